// Package protocol encodes and decodes the messages exchanged with a
// formatter's editor service over its standard streams. All integers are
// big-endian uint32.
//
// # Framed Messages
//
// Schema 5 services exchange self-describing frames:
//
//	messageId  kind  bodyLength  body...  FF FF FF FF
//
// Each body is a sequence of parts, either fixed-width integers or
// length-prefixed blobs. Message builds frames and BodyReader takes them
// apart; ReadMessage pulls one complete frame off a ByteReader and
// reports malformed input as a *DesyncError.
//
// # Sequential Exchanges
//
// Older services (schemas 2 to 4) speak a request/response protocol with
// no message ids. A request is an operation code followed by its string
// arguments; a response starts with one of the Response codes. Strings of
// ChunkSize bytes or more are transferred in windows, and the receiver
// acknowledges each window before the sender continues. Schemas 3 and 4
// terminate every request and response with the success sentinel.
package protocol
