package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"

	"github.com/invopop/jsonschema"

	"glowkeeper/internal/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "output path for the JSON schema")
	flag.Parse()

	if outPath == "" {
		log.Fatal("schema: missing -out path")
	}

	schema, err := buildSchema()
	if err != nil {
		log.Fatalf("schema: %v", err)
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		log.Fatalf("schema: marshal schema: %v", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		log.Fatalf("schema: create output dir: %v", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		log.Fatalf("schema: write schema: %v", err)
	}
}

type message struct {
	value       any
	title       string
	description string
}

var messages = []message{
	{proto.EntityUpdate{}, "Entity Update", "Partial entity state pushed to a viewer. Metadata index 0 carries the flags byte whose 0x40 bit renders the highlight."},
	{proto.JoinResponse{}, "Join Response", "Returned from POST /join with the assigned viewer id and a full world snapshot."},
	{proto.HeartbeatMessage{}, "Heartbeat Ack", "Server acknowledgement of a client heartbeat."},
	{proto.ClientMessage{}, "Client Message", "Inbound websocket message sent by a viewer."},
}

func buildSchema() (*jsonschema.Schema, error) {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}

	variants := make([]*jsonschema.Schema, 0, len(messages))
	for _, msg := range messages {
		schema := reflector.ReflectFromType(reflect.TypeOf(msg.value))
		if schema == nil {
			return nil, fmt.Errorf("failed to reflect %s schema", msg.title)
		}
		schema.Version = ""
		schema.Title = msg.title
		schema.Description = msg.description
		variants = append(variants, schema)
	}

	root := &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Glowkeeper Wire Protocol",
		Description: fmt.Sprintf("Messages exchanged between the server and viewers, protocol version %d.", proto.Version),
		OneOf:       variants,
	}
	return root, nil
}
