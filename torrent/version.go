package torrent

// Version of the client. Sent in BEP 10 handshake and used in peer id prefix.
const Version = "0001"
