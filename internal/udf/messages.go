// Package udf defines the message types and wire framing exchanged with
// the pipeline host over the agent socket.
//
// Requests and responses are closed tagged unions: every message the host
// may send is one of the Request kinds below, and every message the agent
// may emit is one of the Response kinds. Unknown kinds are decode errors,
// never silently dropped.
package udf

// RequestType tags an inbound message.
type RequestType string

const (
	RequestInit       RequestType = "init"
	RequestOptions    RequestType = "options"
	RequestPoint      RequestType = "point"
	RequestBeginBatch RequestType = "begin_batch"
	RequestEndBatch   RequestType = "end_batch"
	RequestSnapshot   RequestType = "snapshot"
	RequestRestore    RequestType = "restore"
	RequestTerminate  RequestType = "terminate"
)

// ResponseType tags an outbound message.
type ResponseType string

const (
	ResponseInit     ResponseType = "init"
	ResponseOptions  ResponseType = "options"
	ResponsePoint    ResponseType = "point"
	ResponseSnapshot ResponseType = "snapshot"
	ResponseRestore  ResponseType = "restore"
	ResponseEndBatch ResponseType = "end_batch"
	ResponseError    ResponseType = "error"
)

// Point is one tagged observation in the stream. The same shape is used
// inbound and outbound; the agent echoes the point back with the computed
// field added to Fields.
type Point struct {
	Timestamp int64              `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
	Tags      map[string]string  `json:"tags"`
}

// Clone returns a deep copy so the outbound point never aliases inbound maps.
func (p *Point) Clone() *Point {
	cp := &Point{
		Timestamp: p.Timestamp,
		Fields:    make(map[string]float64, len(p.Fields)+1),
		Tags:      make(map[string]string, len(p.Tags)),
	}
	for k, v := range p.Fields {
		cp.Fields[k] = v
	}
	for k, v := range p.Tags {
		cp.Tags[k] = v
	}
	return cp
}

// InitRequest opens a session. Options carries host-level handshake info
// (task ID, node name); it is recorded but does not configure indicators.
type InitRequest struct {
	Options map[string]string `json:"options"`
}

// OptionsRequest configures the session's indicator. All four field names
// are mandatory; there are no defaults.
type OptionsRequest struct {
	Type        string `json:"type"`   // "EMA" or "SMA"
	Period      int    `json:"period"` // must be >= 1
	Field       string `json:"field"`  // source field read from each point
	As          string `json:"as"`     // output field written to each point
	TickerField string `json:"ticker_field"`
}

// RestoreRequest replaces the session's per-series state with a blob
// previously produced by a snapshot.
type RestoreRequest struct {
	State []byte `json:"state"`
}

// Request is the inbound union. Exactly the payload matching Type is set.
type Request struct {
	Type    RequestType     `json:"type"`
	Init    *InitRequest    `json:"init,omitempty"`
	Options *OptionsRequest `json:"options,omitempty"`
	Point   *Point          `json:"point,omitempty"`
	Restore *RestoreRequest `json:"restore,omitempty"`
}

// Response is the outbound union. Exactly the payload matching Type is set.
type Response struct {
	Type    ResponseType `json:"type"`
	Error   string       `json:"error,omitempty"`
	Point   *Point       `json:"point,omitempty"`
	State   []byte       `json:"state,omitempty"`
	Message string       `json:"message,omitempty"`
}

// NewErrorResponse builds a fatal protocol-error response.
func NewErrorResponse(msg string) Response {
	return Response{Type: ResponseError, Message: msg}
}

// NewPointResponse wraps an augmented point for emission.
func NewPointResponse(p *Point) Response {
	return Response{Type: ResponsePoint, Point: p}
}
