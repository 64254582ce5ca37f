//go:build cgo

// All exported functions use the C calling convention. Strings returned to
// the caller must be released with FreeString.

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

var core = newBridge()

func result(s string, err error) *C.char {
	if err != nil {
		return nil
	}
	return C.CString(s)
}

func status(err error) C.int {
	if err != nil {
		return -1
	}
	return 0
}

// SyncInit starts the engine. configPath and dataDir may be empty.
// Returns 0 on success, -1 on error (see GetLastError).
//
//export SyncInit
func SyncInit(configPath, dataDir *C.char) C.int {
	return status(core.start(C.GoString(configPath), C.GoString(dataDir)))
}

// SyncDispose stops the engine and releases storage.
//
//export SyncDispose
func SyncDispose() C.int {
	return status(core.stop())
}

// SyncEnqueue queues an action. Returns {"id": ...} or NULL on error.
//
//export SyncEnqueue
func SyncEnqueue(actionType, payload, options *C.char) *C.char {
	return result(core.enqueue(C.GoString(actionType), C.GoString(payload), C.GoString(options)))
}

// SyncStatus returns the status document, or NULL on error.
//
//export SyncStatus
func SyncStatus() *C.char {
	return result(core.status())
}

// SyncForce runs a sync cycle and waits for it.
//
//export SyncForce
func SyncForce() C.int {
	return status(core.forceSync())
}

// SyncCancel cancels a pending action.
//
//export SyncCancel
func SyncCancel(id *C.char) C.int {
	return status(core.cancel(C.GoString(id)))
}

//export SyncSetToken
func SyncSetToken(token *C.char) C.int {
	return status(core.setToken(C.GoString(token)))
}

//export SyncSetOnline
func SyncSetOnline(online C.int) C.int {
	return status(core.setOnline(online != 0))
}

//export SyncSetConnectionType
func SyncSetConnectionType(effectiveType *C.char) C.int {
	return status(core.setConnectionHint(C.GoString(effectiveType)))
}

//export SyncSetVisible
func SyncSetVisible(visible C.int) C.int {
	return status(core.setVisible(visible != 0))
}

// SyncPollEvents returns and clears buffered outcome events.
//
//export SyncPollEvents
func SyncPollEvents() *C.char {
	return C.CString(core.poll())
}

// GetLastError returns the last error message.
// Returns a C string that must be freed by the caller.
//
//export GetLastError
func GetLastError() *C.char {
	return C.CString(core.lastError())
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
