// Package swillmsgpack implements [swillproto.Codec] over MessagePack
// arrays, a compact binary self-describing serialization format. It is
// built on the array-of-header-then-payload encode/decode shape used by
// the Serf RPC client (github.com/hashicorp/go-msgpack/codec), adapted
// from struct headers to the swill request/response envelopes.
package swillmsgpack
