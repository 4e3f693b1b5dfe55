// Package ipc implements the message channel between the host and a
// decoder process.
//
// The channel is an AF_UNIX SOCK_SEQPACKET socket pair. Every message is
// one packet laid out as
//
//	| u32 big-endian body length | u8 type | JSON body |
//
// and may carry descriptors as SCM_RIGHTS. Pixel data never travels
// inline: the worker writes it into a memfd and sends the descriptor, the
// host seals the memfd against writes and resizing and maps it read-only.
//
// The host treats everything it reads as hostile. Length mismatches,
// truncation, unknown types, unknown JSON fields, wrong descriptor counts
// and unsealable buffers surface as errs.KindProtocolViolation.
package ipc
