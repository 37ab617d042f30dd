package emit

import (
	"sort"

	"github.com/dshills/stepgraph/log"
)

// LogEmitter implements Emitter by writing each event as one structured log
// line. node_error events are logged at error level, node_start and
// node_end at debug level, everything else at info level.
//
// Example console output:
//
//	2025-01-02T15:04:05Z  INFO  checkpoint_saved  {"thread": "t-1", "step": 0, "checkpoint_id": "0193..."}
//
// Usage:
//
//	// Log through the process default logger
//	emitter := emit.NewLogEmitter(nil)
//
//	// JSON lines to a file
//	f, _ := os.Create("events.jsonl")
//	emitter := emit.NewLogEmitter(log.NewJSON(f, log.LevelDebug))
type LogEmitter struct {
	logger log.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger means log.Default.
func NewLogEmitter(logger log.Logger) *LogEmitter {
	if logger == nil {
		logger = log.Default
	}
	return &LogEmitter{logger: logger}
}

// Emit writes the event.
func (l *LogEmitter) Emit(event Event) {
	kv := fields(event)
	switch event.Msg {
	case MsgNodeError:
		l.logger.Errorw(event.Msg, kv...)
	case MsgNodeStart, MsgNodeEnd:
		l.logger.Debugw(event.Msg, kv...)
	default:
		l.logger.Infow(event.Msg, kv...)
	}
}

// fields flattens an event into zap key-value pairs. Meta keys are sorted so
// lines are stable across runs.
func fields(event Event) []any {
	kv := make([]any, 0, 6+2*len(event.Meta))
	kv = append(kv, "thread", event.ThreadID, "step", event.Step)
	if event.NodeID != "" {
		kv = append(kv, "node", event.NodeID)
	}
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, event.Meta[k])
	}
	return kv
}
