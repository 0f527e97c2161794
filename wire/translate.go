package wire

import (
	"github.com/consometers/quoalise/errors"
)

// errorType maps a protocol condition to the stanza error type attribute.
// Modify-class conditions invite the client to correct and resend; the rest
// terminate the dialog.
func errorType(cond errors.Condition) string {
	switch cond {
	case errors.ConditionBadRequest:
		return "modify"
	case errors.ConditionNotAuthorized:
		return "auth"
	case errors.ConditionServiceUnavailable:
		return "wait"
	default:
		return "cancel"
	}
}

// TranslateError maps any error value to the wire error envelope. It is a
// total function: every error yields a valid envelope.
//
// Protocol errors map 1:1 to their fixed condition with no extension
// payload. Upstream application errors map to the generic
// undefined-condition fallback plus an upstream-error extension carrying
// issuer and code verbatim, so clients unaware of the extension still see a
// conformant failure while aware clients get full detail. Remaining internal
// errors are reported by classification: invalid input as bad-request,
// transient faults as service-unavailable.
func TranslateError(correlationID string, err error) *Response {
	stanza := translateStanza(err)
	return &Response{
		Type:  TypeError,
		ID:    correlationID,
		Error: stanza,
	}
}

func translateStanza(err error) *StanzaError {
	if ue, ok := errors.AsUpstream(err); ok {
		return &StanzaError{
			Type:      errorType(errors.ConditionUndefined),
			Condition: errors.ConditionUndefined,
			Text:      ue.Message,
			Upstream:  &UpstreamInfo{Issuer: ue.Issuer, Code: ue.Code},
		}
	}

	if pe, ok := errors.AsProtocol(err); ok {
		return &StanzaError{
			Type:      errorType(pe.Condition),
			Condition: pe.Condition,
			Text:      pe.Text,
		}
	}

	var (
		cond errors.Condition
		text string
	)
	switch {
	case err == nil:
		cond = errors.ConditionUndefined
	case errors.IsInvalid(err):
		cond = errors.ConditionBadRequest
		text = err.Error()
	case errors.IsTransient(err):
		cond = errors.ConditionServiceUnavailable
		text = err.Error()
	default:
		cond = errors.ConditionUndefined
		text = err.Error()
	}
	return &StanzaError{
		Type:      errorType(cond),
		Condition: cond,
		Text:      text,
	}
}

// ToError is the client-side inverse of TranslateError: it converts a
// received error envelope back into a typed error value. An envelope whose
// undefined-condition carries the upstream-error extension becomes an
// UpstreamError with issuer and code unchanged; everything else becomes a
// ProtocolError.
func ToError(resp *Response) error {
	if resp == nil || resp.Type != TypeError || resp.Error == nil {
		return nil
	}

	stanza := resp.Error
	if stanza.Condition == errors.ConditionUndefined && stanza.Upstream != nil {
		return &errors.UpstreamError{
			Issuer:  stanza.Upstream.Issuer,
			Code:    stanza.Upstream.Code,
			Message: stanza.Text,
		}
	}

	return &errors.ProtocolError{
		Condition: stanza.Condition,
		Text:      stanza.Text,
	}
}
