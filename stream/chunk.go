package stream

// Chunk is the closed union of raw incremental outputs produced by a
// token-streaming backend before normalization. The taxonomy mirrors the
// message/content-block lifecycle used by streaming model APIs.
type Chunk interface{ isChunk() }

// BlockKind discriminates content blocks.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockToolUse BlockKind = "tool_use"
)

// MessageStart opens a new model message.
type MessageStart struct {
	MessageID string
	Model     string
}

func (MessageStart) isChunk() {}

// BlockStart opens a content block at Index. ToolID and ToolName are only
// set for tool-use blocks.
type BlockStart struct {
	Index    int
	Kind     BlockKind
	ToolID   string
	ToolName string
}

func (BlockStart) isChunk() {}

// TextDelta carries an incremental text fragment for an open text block.
type TextDelta struct {
	Index int
	Text  string
}

func (TextDelta) isChunk() {}

// InputJSONDelta carries a fragment of serialized tool input for an open
// tool-use block.
type InputJSONDelta struct {
	Index   int
	Partial string
}

func (InputJSONDelta) isChunk() {}

// BlockStop closes the content block at Index.
type BlockStop struct {
	Index int
}

func (BlockStop) isChunk() {}

// MessageDelta carries mid-message metadata; only the stop reason is
// significant for normalization and it is buffered, not emitted directly.
type MessageDelta struct {
	StopReason string
}

func (MessageDelta) isChunk() {}

// MessageStop terminates the message.
type MessageStop struct{}

func (MessageStop) isChunk() {}

// ToolResult is an out-of-band tool output echoed by the backend.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

func (ToolResult) isChunk() {}

// Failure is a terminal backend error.
type Failure struct {
	Message string
	Code    string
}

func (Failure) isChunk() {}
