// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

// Capabilities holds the optional features supported by a backend.
type Capabilities struct {
	// PeerCopy indicates the backend can copy a buffer directly from one device to another
	// (see DataInterface.TransferBetweenDevices). If false, device to device copies go through host memory.
	PeerCopy bool

	// AsyncTransfers indicates transfers are issued on device transfer queues and complete
	// asynchronously: the returned Event must be awaited before the buffer is used.
	AsyncTransfers bool
}
