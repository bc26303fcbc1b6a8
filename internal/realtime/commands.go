package realtime

import (
	"encoding/json"
	"strings"
)

const (
	CommandSetMode          = "set_mode"
	CommandStartCalibration = "start_calibration"
	CommandStartCapture     = "start_capture"
	CommandStop             = "stop"
)

const (
	baselineGas         = 150000
	captureSamplesCount = 30
)

type commandAck struct {
	Command string `json:"command"`
	Status  string `json:"status"`
}

type commandError struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

type calibrationComplete struct {
	Success     bool `json:"success"`
	BaselineGas int  `json:"baseline_gas"`
}

type captureComplete struct {
	CaptureID    json.RawMessage `json:"capture_id"`
	SamplesCount int             `json:"samples_count"`
	Success      bool            `json:"success"`
}

// handleCommand answers one inbound client message. Replies go to the
// sender only.
func (h *Hub) handleCommand(c *client, data []byte) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil || strings.TrimSpace(cmd.Type) == "" {
		h.log.Warn().Uint64("client", c.id).Msg("malformed client message")
		h.reply(c, EventCommandError, commandError{Error: "malformed message"}, false)
		return
	}
	log := h.log.With().Uint64("client", c.id).Str("command", cmd.Type).Logger()

	switch cmd.Type {
	case CommandSetMode:
		var p struct {
			Mode string `json:"mode"`
		}
		_ = json.Unmarshal(cmd.Payload, &p)
		log.Info().Str("mode", p.Mode).Msg("set mode")
		h.ack(c, cmd.Type)

	case CommandStartCalibration:
		log.Info().Msg("start calibration")
		h.ack(c, cmd.Type)
		c.after(h.opts.CalibrationDelay, func() {
			h.reply(c, EventCalibrationComplete, calibrationComplete{Success: true, BaselineGas: baselineGas}, true)
		})

	case CommandStartCapture:
		var p struct {
			CaptureID json.RawMessage `json:"capture_id"`
		}
		_ = json.Unmarshal(cmd.Payload, &p)
		captureID := p.CaptureID
		if len(captureID) == 0 {
			captureID = json.RawMessage("null")
		}
		log.Info().RawJSON("capture_id", captureID).Msg("start capture")
		h.ack(c, cmd.Type)
		c.after(h.opts.CaptureDelay, func() {
			h.reply(c, EventCaptureComplete, captureComplete{CaptureID: captureID, SamplesCount: captureSamplesCount, Success: true}, true)
		})

	case CommandStop:
		n := c.cancelTimers()
		log.Info().Int("cancelled", n).Msg("stop")
		h.ack(c, cmd.Type)

	default:
		log.Warn().Msg("unknown command")
		h.reply(c, EventCommandError, commandError{Command: cmd.Type, Error: "unknown command"}, false)
	}
}

func (h *Hub) ack(c *client, command string) {
	h.reply(c, EventCommandAck, commandAck{Command: command, Status: "received"}, false)
}

func (h *Hub) reply(c *client, t EventType, payload any, stamped bool) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(t)).Msg("marshal reply")
		return
	}
	if stamped {
		env.Timestamp = h.opts.Now().UnixMilli()
	}
	data, _ := json.Marshal(env)
	if !c.enqueue(data) && c.State() == StateOpen {
		h.dropped.Add(1)
		h.log.Warn().Uint64("client", c.id).Str("type", string(t)).Msg("reply dropped")
	}
}
