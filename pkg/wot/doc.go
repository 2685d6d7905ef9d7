/*
Package wot handles W3C Web of Things Thing Descriptions. A TD can stand in
for hand-written source configuration: the base URL picks the protocol, the
property forms become node ids, topic filters, or register addresses, and
the semantic annotations (@type, unit) travel on every record the source
emits.

Enrichment is a pure decorator around the protocol emitter; it never blocks
and adds nothing to records whose topic is not described by the TD beyond
the thing identity.
*/
package wot
