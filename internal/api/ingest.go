package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/smartsensor/sensor-gateway/internal/auth"
	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/ingest"
	"github.com/smartsensor/sensor-gateway/internal/pipeline"
)

// ingestResponse summarises one batch admission.
type ingestResponse struct {
	BatchID  string       `json:"batch_id"`
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	Errors   []frameError `json:"errors,omitempty"`
}

// frameError reports why one frame of the batch was rejected.
type frameError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// framePeek extracts the device id ahead of full decoding, for the
// device-role ownership check.
type framePeek struct {
	DeviceID string `json:"device_id"`
}

// handleIngest admits a JSON array of telemetry frames.
//
// Each frame is admitted independently; a malformed or unauthorised
// frame is counted and reported without failing its siblings. The
// response is 202 with per-frame outcomes. Shard backpressure aborts
// the batch with 503 and a Retry-After hint: frames already accepted
// are in flight, and the retried duplicates are absorbed downstream by
// the at-least-once contract.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r)
	if principal.Role == auth.RoleViewer {
		writeForbidden(w, "viewer tokens cannot ingest telemetry")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "reading request body: "+err.Error())
		return
	}

	frames, err := codec.SplitBatch(body)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if len(frames) == 0 {
		writeBadRequest(w, "empty batch")
		return
	}

	// Device tokens carry their fingerprint so the registry can bind
	// credentials on first sight; admin tokens ingest unbound.
	fingerprint := ""
	if principal.Role == auth.RoleDevice {
		fingerprint = principal.Fingerprint()
	}

	resp := ingestResponse{BatchID: uuid.NewString()}
	origin := clientIP(r)

	for i, frame := range frames {
		if principal.Role == auth.RoleDevice {
			var peek framePeek
			//nolint:errcheck // full decode inside Submit reports malformed frames
			json.Unmarshal(frame, &peek)
			if !principal.CanIngestFor(peek.DeviceID) {
				resp.Rejected++
				resp.Errors = append(resp.Errors, frameError{Index: i, Error: "token not valid for device " + peek.DeviceID})
				continue
			}
		}

		err := s.intake.Submit(r.Context(), ingest.SourceHTTP, origin, fingerprint, frame, nil, false)
		switch {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, pipeline.ErrBusy), errors.Is(err, pipeline.ErrClosed):
			writeBackpressure(w, "pipeline saturated, retry the batch")
			return
		default:
			resp.Rejected++
			resp.Errors = append(resp.Errors, frameError{Index: i, Error: err.Error()})
		}
	}

	writeJSON(w, http.StatusAccepted, resp)
}
