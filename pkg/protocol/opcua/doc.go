/*
Package opcua implements the OPC-UA protocol driver. It opens a secure
channel to the server, creates one subscription per source, and registers a
monitored item for every configured node. Data change notifications become
records carrying the server's source timestamp and status code.
*/
package opcua
