package callflow

import (
	"encoding/json"
	"testing"
)

func TestGraphShape(t *testing.T) {
	want := map[StageKind]map[StageKind]bool{
		StageGreeting:          {StagePaymentInquiry: true, StageGoodbye: true, StageGreeting: true},
		StagePaymentInquiry:    {StagePaymentProcessing: true, StageQuestionHandler: true, StageObjectionHandler: true, StageGoodbye: true},
		StageQuestionHandler:   {StagePaymentInquiry: true, StageGoodbye: true, StageQuestionHandler: true},
		StageObjectionHandler:  {StagePaymentInquiry: true, StageGoodbye: true},
		StagePaymentProcessing: {StageGoodbye: true, StageObjectionHandler: true, StagePaymentProcessing: true},
	}

	got := make(map[StageKind]map[StageKind]bool)
	endCall := make(map[StageKind]bool)
	for _, e := range Edges() {
		if got[e.From] == nil {
			got[e.From] = make(map[StageKind]bool)
		}
		got[e.From][e.To] = true
		if e.Name == "end_call" && e.To == StageGoodbye {
			endCall[e.From] = true
		}
		if e.From == StageGoodbye {
			t.Fatalf("terminal stage has outgoing edge %s", e.Name)
		}
	}

	for from, targets := range want {
		for to := range targets {
			if !got[from][to] {
				t.Errorf("missing edge %s -> %s", from, to)
			}
		}
		for to := range got[from] {
			if !targets[to] {
				t.Errorf("unexpected edge %s -> %s", from, to)
			}
		}
		if !endCall[from] {
			t.Errorf("%s has no end_call", from)
		}
	}
}

func TestToolsHaveSchemas(t *testing.T) {
	for _, stage := range Stages() {
		for _, tool := range toolsFor(stage) {
			var schema map[string]any
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				t.Fatalf("%s/%s: invalid schema: %v", stage, tool.Name, err)
			}
			if schema["type"] != "object" {
				t.Errorf("%s/%s: type = %v", stage, tool.Name, schema["type"])
			}
			if tool.Description == "" {
				t.Errorf("%s/%s: missing description", stage, tool.Name)
			}
		}
	}
}

func TestWantsToPaySchemaRequiresAmountOnly(t *testing.T) {
	var tool Tool
	for _, candidate := range toolsFor(StagePaymentInquiry) {
		if candidate.Name == "customer_wants_to_pay" {
			tool = candidate
		}
	}
	var schema struct {
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
		t.Fatal(err)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "payment_amount" {
		t.Fatalf("required = %v", schema.Required)
	}
	for _, key := range []string{"payment_amount", "due_date", "last_four_digits"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Errorf("missing property %s", key)
		}
	}
}

func TestStageStrings(t *testing.T) {
	if StageGoodbye.String() != "goodbye" {
		t.Fatalf("got %q", StageGoodbye.String())
	}
	if StageKind(99).String() != "stage(99)" {
		t.Fatalf("got %q", StageKind(99).String())
	}
}
