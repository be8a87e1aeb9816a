// Package redisstream adapts Redis Streams as an xsbus queue transport.
//
// Each logical queue maps to one stream key; every endpoint fleet reading a
// queue shares a consumer group. Acknowledgement is transactional: the XACK
// runs on commit of the message's transaction context, and an aborted
// delivery stays in the pending entries list until ClaimMinIdle passes and a
// consumer claims it back with XAUTOCLAIM. Delivery is therefore
// at-least-once, with redelivery latency governed by ClaimMinIdle.
package redisstream
