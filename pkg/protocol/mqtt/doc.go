/*
Package mqtt implements the MQTT protocol driver on the Eclipse Paho client.
Each source maps to one broker connection subscribing a set of topic
filters; every publish received becomes a record. Paho's own reconnect
machinery is disabled so the runner's backoff policy governs session
recovery for all protocols alike.
*/
package mqtt
