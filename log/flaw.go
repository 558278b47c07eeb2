package log

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
)

// Flaw renders err's flaw structure into the event: the inner error, the
// appended payload records, joined errors, and stack traces. Non-flaw errors
// fall back to plain Err rendering.
func Flaw(err error) func(e *zerolog.Event) {
	return func(e *zerolog.Event) {
		flawErr := new(flaw.Flaw)
		if !errors.As(err, &flawErr) {
			e.Err(err)
			return
		}

		e.Dict(
			"error",
			zerolog.
				Dict().
				Str("message", flawErr.Inner).
				Str("type_name", flawErr.InnerType).
				Str("syntax_representation", flawErr.InnerSyntaxRepr),
		)

		records := zerolog.Arr()
		for _, record := range flawErr.Records {
			payload, err := json.MarshalWithOption(record.Payload, json.UnorderedMap(), json.DisableNormalizeUTF8(), json.DisableHTMLEscape())
			if nil != err {
				// Payloads regularly embed scraped response bodies. Keep the
				// unmarshalable fallback bounded.
				raw := Clip(fmt.Sprintf("%#+v", record.Payload))
				records.Dict(zerolog.Dict().Str("function", record.Function).Dict("payload", zerolog.Dict().Str("error", err.Error()).Str("raw", raw)))
				continue
			}
			records.Dict(zerolog.Dict().Str("function", record.Function).RawJSON("payload", payload))
		}
		e.Array("records", records)

		joined := zerolog.Arr()
		for _, joinedErr := range flawErr.JoinedErrors {
			d := zerolog.
				Dict().
				Dict(
					"error",
					zerolog.
						Dict().
						Str("message", joinedErr.Message).
						Str("type_name", joinedErr.TypeName).
						Str("syntax_representation", joinedErr.SyntaxRepr),
				)
			if st := joinedErr.CallerStackTrace; nil != st {
				d.Dict(
					"caller_stack_trace",
					zerolog.
						Dict().
						Str("location", fmt.Sprintf("%s:%d", st.File, st.Line)).
						Str("function", st.Function),
				)
			} else {
				d.Stringer("caller_stack_trace", nil)
			}
			joined.Dict(d)
		}
		e.Array("joined_errors", joined)

		stackTraces := zerolog.Arr()
		for _, frame := range flawErr.StackTrace {
			stackTraces.Dict(zerolog.Dict().Str("location", fmt.Sprintf("%s:%d", frame.File, frame.Line)).Str("function", frame.Function))
		}
		e.Array("stack_traces", stackTraces)
	}
}
