package openai

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Intents the classifier may return besides free-form ones.
const (
	IntentReportStart = "oil_report.start"
	IntentSmallTalk   = "smalltalk"
	IntentUnknown     = "unknown"
)

func buildClassifyMessages(text string) []chatMessage {
	return []chatMessage{
		{Role: "system", Content: buildPolicyPrompt()},
		{Role: "user", Content: text},
	}
}

func buildPolicyPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You are the LINE assistant of a shop that collects used cooking oil at its branches.",
		"",
		"Task:",
		"Classify the customer's message and, when it is conversational, write a short reply.",
		"",
		"Branches:",
		"- KSQ (Kingsquare)",
		"- EMQ (EmQuartier)",
		"- ONB (One Bangkok)",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) If the customer wants to report sales for a branch, use intent \"" + IntentReportStart + "\" and set branch to the branch code.",
		"2) If the message is a greeting or a general question, use intent \"" + IntentSmallTalk + "\" and answer politely in the customer's language.",
		"3) If you cannot tell what the customer wants, use intent \"" + IntentUnknown + "\" and leave reply empty.",
		"4) Never invent prices, opening hours or promotions.",
		"5) Keep replies under three sentences.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys intent (string), confidence (number between 0 and 1), " +
		"branch (string, empty unless a branch applies) and reply (string)."
}

func parseClassification(raw string) (Classification, error) {
	var out Classification
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return Classification{}, fmt.Errorf("openai: decode classification: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return Classification{}, errors.New("openai: decode classification: multiple JSON values")
		}
		return Classification{}, fmt.Errorf("openai: decode classification trailing data: %w", err)
	}
	out.Intent = strings.TrimSpace(out.Intent)
	if out.Intent == "" {
		return Classification{}, errors.New("openai: classification missing intent")
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if out.Confidence > 1 {
		out.Confidence = 1
	}
	return out, nil
}
