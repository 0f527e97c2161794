// Package wire defines the envelopes and payload encodings of the quoalise
// protocol: the request/response command dialog stanzas, the dataset payload
// embedded in success responses, and the translation between internal error
// values and the wire error stanza.
//
// All functions in this package are pure and stateless. Encoding validates
// before serializing so a malformed dataset never reaches the wire; decoding
// re-validates so a malformed payload never reaches the application.
//
// # Envelopes
//
// One request yields exactly one response. A successful or continuing dialog
// step uses the result envelope:
//
//	<response type="result" id="…">
//	  <command node="get_history" sessionid="…" status="executing|completed|canceled">
//	    <payload>… dataset …</payload>
//	  </command>
//	</response>
//
// Every terminal failure uses the error envelope, never a completed command
// payload, so generic client failure handling composes:
//
//	<response type="error" id="…">
//	  <error type="cancel">
//	    <undefined-condition/>
//	    <text>…</text>
//	    <upstream-error issuer="enedis-data-connect" code="ADAM-ERR0123"/>
//	  </error>
//	</response>
//
// # Datasets
//
// EncodeDataset and DecodeDataset are round-trip inverses over valid
// datasets. Records are strictly ordered by timestamp; duplicate timestamps
// are rejected rather than coalesced.
package wire
