package domain

// Dialect is the client wire format a request arrived in.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
)

func (d Dialect) String() string {
	switch d {
	case DialectOpenAI:
		return "openai"
	case DialectAnthropic:
		return "anthropic"
	default:
		return "unknown"
	}
}

type Message struct {
	Role    string
	Content string
}

// RequestContext is the dialect-independent form of an inbound call.
type RequestContext struct {
	Dialect     Dialect
	Alias       string
	System      string
	Messages    []Message
	MaxTokens   int
	Stream      bool
	Temperature *float64
	TopP        *float64
	Stop        []string
	RequestID   string
	ClientKey   string
}

// Usage is the token report of one completed upstream call.
type Usage struct {
	PromptTokens        int
	CompletionTokens    int
	CacheReadTokens     int
	CacheCreationTokens int
}

func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens
}

// IsZero reports whether no counter was set.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Completion is a buffered provider response. Model holds the upstream
// model id until the router rewrites it to the client alias.
type Completion struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
}

// StreamFrame is one incremental piece of a streamed completion. Usage is
// set on frames that carry usage counters; the last frame carries the
// finish reason.
type StreamFrame struct {
	ID           string
	Model        string
	Delta        string
	FinishReason string
	Usage        *Usage
}
