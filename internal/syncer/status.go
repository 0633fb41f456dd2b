package syncer

import "github.com/basket/tasklink/internal/store"

// inboundStatus maps remote status codes to local task statuses. Several
// remote codes fold into one local status (the remote lifecycle is finer
// grained than ours).
var inboundStatus = map[string]store.TaskStatus{
	"1": store.TaskStatusNew,        // accepted, waiting
	"2": store.TaskStatusNew,        // pending
	"3": store.TaskStatusInProgress, // in progress
	"4": store.TaskStatusCancelled,  // deferred
	"5": store.TaskStatusCompleted,  // supposedly completed
	"6": store.TaskStatusCompleted,  // completed
	"7": store.TaskStatusCancelled,  // declined
}

// MapRemoteStatus translates a remote status code. The second result is
// false for codes not in the table; callers log and skip those.
func MapRemoteStatus(code string) (store.TaskStatus, bool) {
	s, ok := inboundStatus[code]
	return s, ok
}

// outboundStatus maps local statuses to the remote code written when the
// change originates on our side.
var outboundStatus = map[store.TaskStatus]string{
	store.TaskStatusNew:        "2",
	store.TaskStatusInProgress: "3",
	store.TaskStatusCompleted:  "5",
	store.TaskStatusCancelled:  "4",
}

// RemoteStatusCode translates a local status for outbound writes.
func RemoteStatusCode(s store.TaskStatus) (string, bool) {
	code, ok := outboundStatus[s]
	return code, ok
}
