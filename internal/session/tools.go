package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chatloop-ai/chatloop/pkg/types"
)

// toolCall is one structured invocation being assembled from deltas.
type toolCall struct {
	index     int
	id        string
	name      string
	args      strings.Builder
	messageID string
	persisted bool
}

// toolAggregator assembles partial tool-call fragments into complete
// invocation records, keyed by their index within the turn. Each entry
// renders as a single tool message that is updated in place as argument
// deltas arrive.
type toolAggregator struct {
	turnID string
	calls  map[int]*toolCall
}

func newToolAggregator(turnID string) *toolAggregator {
	return &toolAggregator{
		turnID: turnID,
		calls:  make(map[int]*toolCall),
	}
}

// apply folds one delta into the table and returns the affected entry.
// The first delta at an index creates the entry and must carry the name;
// later deltas only append to the argument string. A name, once set, is
// never overwritten.
func (a *toolAggregator) apply(index int, id, name, argsDelta string) *toolCall {
	call, ok := a.calls[index]
	if !ok {
		call = &toolCall{
			index: index,
			// The message identifier derives from the turn and index, so
			// repeated deltas address the same timeline entry.
			messageID: fmt.Sprintf("%s-tool-%d", a.turnID, index),
		}
		a.calls[index] = call
	}
	if call.id == "" {
		call.id = id
	}
	if call.name == "" {
		call.name = name
	}
	if argsDelta != "" {
		call.args.WriteString(argsDelta)
	}
	return call
}

// render produces the human-readable tool message for an entry.
func (a *toolAggregator) render(call *toolCall) types.Message {
	name := call.name
	if name == "" {
		name = "(pending)"
	}
	content := name
	if args := call.args.String(); args != "" {
		content = name + " " + args
	}
	return types.Message{
		ID:         call.messageID,
		Role:       types.RoleTool,
		Content:    content,
		ToolCallID: call.id,
		Time:       types.MessageTime{Created: time.Now().UnixMilli()},
	}
}

// hasNamed reports whether at least one entry received a name.
func (a *toolAggregator) hasNamed() bool {
	for _, call := range a.calls {
		if call.name != "" {
			return true
		}
	}
	return false
}

// discard abandons every entry that has not been persisted and returns
// the timeline identifiers of their messages, ordered by index. Used when
// a stream attempt fails and its half-assembled invocations should not
// survive the settle.
func (a *toolAggregator) discard() []string {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var out []string
	for _, idx := range indexes {
		call := a.calls[idx]
		if call.persisted {
			continue
		}
		call.persisted = true
		out = append(out, call.messageID)
	}
	return out
}

// settle marks every named entry persisted and returns the ones that had
// not been persisted before, ordered by index. A second settlement of the
// same turn returns nothing, which is what makes duplicate terminal
// delivery harmless.
func (a *toolAggregator) settle() []types.Message {
	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var out []types.Message
	for _, idx := range indexes {
		call := a.calls[idx]
		if call.name == "" || call.persisted {
			continue
		}
		call.persisted = true
		out = append(out, a.render(call))
	}
	return out
}
