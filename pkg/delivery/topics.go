package delivery

import "fmt"

// topicPrefix roots every bus topic the device uses.
const topicPrefix = "luminode"

// broadcastID addresses every device on the fleet.
const broadcastID = "broadcast"

// Topics builds the bus topics for one device.
type Topics struct {
	DeviceID string
}

// Load is the device-addressed program push topic.
func (t Topics) Load() string { return t.device("programs/load") }

// LoadBroadcast is the fleet-wide program push topic.
func (t Topics) LoadBroadcast() string {
	return fmt.Sprintf("%s/%s/programs/load", topicPrefix, broadcastID)
}

// Start addresses execution requests for loaded programs.
func (t Topics) Start() string { return t.device("programs/start") }

// Stop addresses stop requests for running programs.
func (t Topics) Stop() string { return t.device("programs/stop") }

// Remove addresses unload requests.
func (t Topics) Remove() string { return t.device("programs/remove") }

// Status carries lifecycle outcomes back to the backend.
func (t Topics) Status() string { return t.device("programs/status") }

// Eval carries transient snippet requests.
func (t Topics) Eval() string { return t.device("programs/eval") }

// EvalResult answers Eval.
func (t Topics) EvalResult() string { return t.device("programs/eval/result") }

// List requests the program inventory.
func (t Topics) List() string { return t.device("programs/list") }

// ListResult answers List.
func (t Topics) ListResult() string { return t.device("programs/list/result") }

// ShadowDelta carries desired-state deltas from the backend.
func (t Topics) ShadowDelta() string { return t.device("shadow/delta") }

// ShadowUpdate carries the reported tree to the backend.
func (t Topics) ShadowUpdate() string { return t.device("shadow/update") }

// ShadowGet requests the full desired document.
func (t Topics) ShadowGet() string { return t.device("shadow/get") }

// ShadowDocument answers ShadowGet with the full desired document.
func (t Topics) ShadowDocument() string { return t.device("shadow/get/accepted") }

func (t Topics) device(suffix string) string {
	return fmt.Sprintf("%s/%s/%s", topicPrefix, t.DeviceID, suffix)
}
