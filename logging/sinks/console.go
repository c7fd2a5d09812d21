package sinks

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"maps"
	"slices"
	"strconv"
	"strings"

	"glowkeeper/logging"
)

// Console renders one line per event, viewer and entities first:
//
//	WARN  viewer-1 -> entity-3 glow.reconciled tick=12 component=hub {"outcome":"resend"}
type Console struct {
	logger *log.Logger
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = io.Discard
	}
	return &Console{logger: log.New(w, "", log.LstdFlags)}
}

func (s *Console) Write(event logging.Event) error {
	var line strings.Builder
	line.WriteString(levelLabel(event.Severity))
	line.WriteByte(' ')
	line.WriteString(subject(event))
	line.WriteByte(' ')
	line.WriteString(string(event.Type))
	if event.Tick > 0 {
		line.WriteString(" tick=")
		line.WriteString(strconv.FormatUint(event.Tick, 10))
	}
	for _, key := range slices.Sorted(maps.Keys(event.Extra)) {
		line.WriteByte(' ')
		line.WriteString(key)
		line.WriteByte('=')
		line.WriteString(scalar(event.Extra[key]))
	}
	if event.TraceID != "" {
		line.WriteString(" trace=")
		line.WriteString(event.TraceID)
	}
	if event.Payload != nil {
		line.WriteByte(' ')
		line.WriteString(scalar(event.Payload))
	}
	s.logger.Print(line.String())
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

// levelLabel pads to a fixed width so subjects line up.
func levelLabel(sev logging.Severity) string {
	switch sev {
	case logging.SeverityDebug:
		return "DEBUG"
	case logging.SeverityInfo:
		return "INFO "
	case logging.SeverityWarn:
		return "WARN "
	case logging.SeverityError:
		return "ERROR"
	default:
		return "?????"
	}
}

// subject renders "viewer -> entity,entity". Non-viewer actors keep their kind.
func subject(event logging.Event) string {
	actor := event.Actor.ID
	switch {
	case actor == "":
		actor = "-"
	case event.Actor.Kind != logging.RefKindViewer && event.Actor.Kind != "":
		actor = string(event.Actor.Kind) + ":" + actor
	}
	if len(event.Targets) == 0 {
		return actor
	}
	ids := make([]string, 0, len(event.Targets))
	for _, target := range event.Targets {
		ids = append(ids, target.ID)
	}
	return actor + " -> " + strings.Join(ids, ",")
}

func scalar(value any) string {
	if text, ok := value.(string); ok {
		return text
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "?"
	}
	return string(data)
}
