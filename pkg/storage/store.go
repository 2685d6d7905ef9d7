package storage

import "github.com/fieldbridge/fieldbridge/pkg/types"

// Store persists the management-plane source registry and the spool
// acknowledgement ledger across process lifetimes.
type Store interface {
	// Source registry: sources added through the management API survive
	// restarts. File-configured sources are not persisted.
	PutSource(src *types.Source) error
	GetSource(name string) (*types.Source, error)
	ListSources() ([]*types.Source, error)
	DeleteSource(name string) error

	// Ack ledger: per-(source, segment) count of records acknowledged by
	// the sink, so segment deletion survives a crash between ack and
	// unlink.
	SetSegmentAcked(source string, segment uint64, acked uint64) error
	GetSegmentAcked(source string, segment uint64) (uint64, error)
	DeleteSegmentMark(source string, segment uint64) error

	Close() error
}
