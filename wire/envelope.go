package wire

import (
	"encoding/xml"
	"io"

	"github.com/consometers/quoalise/errors"
)

// Command dialog actions carried on a request.
const (
	ActionExecute = "execute"
	ActionCancel  = "cancel"
)

// Command dialog statuses carried on a response.
const (
	StatusExecuting = "executing"
	StatusCompleted = "completed"
	StatusCanceled  = "canceled"
)

// Response type attribute values.
const (
	TypeResult = "result"
	TypeError  = "error"
)

// Request is the inbound envelope: one command dialog step addressed to an
// agent. ID is the opaque correlation identifier the transport echoes back
// on the response.
type Request struct {
	XMLName xml.Name        `xml:"request"`
	ID      string          `xml:"id,attr"`
	Command *CommandRequest `xml:"command"`
}

// CommandRequest names the requested operation and the action to apply.
// SessionID is empty on the first step of a dialog; the agent allocates one.
type CommandRequest struct {
	Node      string `xml:"node,attr"`
	SessionID string `xml:"sessionid,attr,omitempty"`
	Action    string `xml:"action,attr"`
	Form      *Form  `xml:"x,omitempty"`
}

// Response is the outbound envelope: either a command result (continuation
// or completion) or an error stanza, never both.
type Response struct {
	XMLName xml.Name       `xml:"response"`
	Type    string         `xml:"type,attr"`
	ID      string         `xml:"id,attr"`
	Command *CommandResult `xml:"command,omitempty"`
	Error   *StanzaError   `xml:"error,omitempty"`
}

// CommandResult is the dialog envelope for genuine multi-step continuations
// and successful completions. Application errors are never embedded here;
// they always travel in the error envelope.
type CommandResult struct {
	Node      string   `xml:"node,attr"`
	SessionID string   `xml:"sessionid,attr"`
	Status    string   `xml:"status,attr"`
	Form      *Form    `xml:"x,omitempty"`
	Payload   *Payload `xml:"payload,omitempty"`
}

// Payload wraps the dataset embedded directly in the success response body.
type Payload struct {
	Data *Data `xml:"data,omitempty"`
}

// Data is the serialized dataset element. It also travels standalone as
// the body of a subscription push message.
type Data struct {
	XMLName xml.Name     `xml:"data"`
	Device  string       `xml:"device,attr"`
	Metric  string       `xml:"metric,attr"`
	Records []RecordElem `xml:"record"`
}

// RecordElem is one serialized sample. Time is RFC 3339 in UTC.
type RecordElem struct {
	Time  string  `xml:"time,attr"`
	Value float64 `xml:"value,attr"`
	Unit  string  `xml:"unit,attr"`
}

// Form is a minimal data form used for continuation prompts and submitted
// query parameters.
type Form struct {
	Type   string  `xml:"type,attr"`
	Title  string  `xml:"title,attr,omitempty"`
	Fields []Field `xml:"field"`
}

// Form type attribute values.
const (
	FormPrompt = "form"
	FormSubmit = "submit"
	FormResult = "result"
)

// Field is a single form field.
type Field struct {
	Var      string `xml:"var,attr"`
	Type     string `xml:"type,attr,omitempty"`
	Label    string `xml:"label,attr,omitempty"`
	Required bool   `xml:"required,attr,omitempty"`
	Value    string `xml:"value,omitempty"`
}

// Value returns the value of the field named v, or "" if absent.
func (f *Form) Value(v string) string {
	if f == nil {
		return ""
	}
	for _, field := range f.Fields {
		if field.Var == v {
			return field.Value
		}
	}
	return ""
}

// UpstreamInfo is the extension element exposing the raw upstream issuer and
// code alongside the generic fallback condition.
type UpstreamInfo struct {
	Issuer string `xml:"issuer,attr"`
	Code   string `xml:"code,attr"`
}

// StanzaError is the wire error stanza. The condition is rendered as an
// empty element named after the condition itself, so the element set stays
// forward-compatible with future conditions.
type StanzaError struct {
	Type      string
	Condition errors.Condition
	Text      string
	Upstream  *UpstreamInfo
}

// MarshalXML implements xml.Marshaler.
func (e *StanzaError) MarshalXML(enc *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "error"}
	start.Attr = []xml.Attr{{Name: xml.Name{Local: "type"}, Value: e.Type}}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}

	cond := xml.StartElement{Name: xml.Name{Local: string(e.Condition)}}
	if err := enc.EncodeToken(cond); err != nil {
		return err
	}
	if err := enc.EncodeToken(cond.End()); err != nil {
		return err
	}

	if e.Text != "" {
		text := xml.StartElement{Name: xml.Name{Local: "text"}}
		if err := enc.EncodeElement(e.Text, text); err != nil {
			return err
		}
	}

	if e.Upstream != nil {
		up := xml.StartElement{
			Name: xml.Name{Local: "upstream-error"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "issuer"}, Value: e.Upstream.Issuer},
				{Name: xml.Name{Local: "code"}, Value: e.Upstream.Code},
			},
		}
		if err := enc.EncodeToken(up); err != nil {
			return err
		}
		if err := enc.EncodeToken(up.End()); err != nil {
			return err
		}
	}

	return enc.EncodeToken(start.End())
}

// UnmarshalXML implements xml.Unmarshaler.
func (e *StanzaError) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" {
			e.Type = attr.Value
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "text":
				var text string
				if err := dec.DecodeElement(&text, &t); err != nil {
					return err
				}
				e.Text = text
			case "upstream-error":
				up := &UpstreamInfo{}
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "issuer":
						up.Issuer = attr.Value
					case "code":
						up.Code = attr.Value
					}
				}
				e.Upstream = up
				if err := dec.Skip(); err != nil {
					return err
				}
			default:
				// Any other element names the condition. Unknown names are
				// preserved as-is for forward compatibility.
				e.Condition = errors.Condition(t.Name.Local)
				if err := dec.Skip(); err != nil {
					return err
				}
			}
		case xml.EndElement:
			if t.Name.Local == start.Name.Local {
				return nil
			}
		}
	}
}

// MarshalRequest serializes a request envelope.
func MarshalRequest(req *Request) ([]byte, error) {
	data, err := xml.Marshal(req)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "MarshalRequest", "serialize request")
	}
	return data, nil
}

// UnmarshalRequest parses a request envelope. A request without a command
// element is malformed.
func UnmarshalRequest(data []byte) (*Request, error) {
	var req Request
	if err := xml.Unmarshal(data, &req); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "Envelope", "UnmarshalRequest", err.Error())
	}
	if req.Command == nil {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "Envelope", "UnmarshalRequest",
			"request carries no command element")
	}
	return &req, nil
}

// MarshalResponse serializes a response envelope.
func MarshalResponse(resp *Response) ([]byte, error) {
	data, err := xml.Marshal(resp)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "MarshalResponse", "serialize response")
	}
	return data, nil
}

// UnmarshalResponse parses a response envelope.
func UnmarshalResponse(data []byte) (*Response, error) {
	var resp Response
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, errors.WrapInvalid(errors.ErrDecodeFailed, "Envelope", "UnmarshalResponse", err.Error())
	}
	return &resp, nil
}
