// Package wire defines the DDP message shapes and their encodings.
//
// DDP messages are maps with a "msg" discriminator. Inbound messages are
// decoded into an Inbound map so that handlers can validate field types
// themselves and echo the offending message back on error. Outbound
// messages are built as Message structs.
//
// # Encodings
//
// Two codecs are provided:
//   - JSONCodec: the standard DDP text encoding (default)
//   - CBORCodec: a binary encoding negotiated via the "ddp-cbor" websocket
//     subprotocol
//
// # Absent vs Cleared
//
// Document fields use the Fields type. A field whose value is Undefined has
// been removed from the document. When a changed message is built, such
// fields are moved into the message's cleared list:
//   - Key absent: field not touched by this message
//   - Key in fields: field has this value
//   - Key in cleared: field was removed
package wire
