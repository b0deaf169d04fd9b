package nats

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/brojonat/fairswap/service/events"
)

// SubjectPrefix prefixes every projection event subject.
const SubjectPrefix = "fairswap."

// Subject returns the subject an event type is published on, for example
// "fairswap.offer.created".
func Subject(t events.Type) string {
	return SubjectPrefix + string(t)
}

// FilterSubject returns the subject filter for a tail. An empty entity
// matches everything; an empty action matches every action of the entity.
func FilterSubject(entity, action string) string {
	switch {
	case entity == "":
		return StreamSubjects
	case action == "":
		return SubjectPrefix + entity + ".*"
	default:
		return SubjectPrefix + entity + "." + action
	}
}

// MessageID identifies an event for JetStream deduplication. A single
// instruction may emit several events of different types, and accepting a
// proposal withdraws several proposals, so the row id is part of the key.
func MessageID(ev *events.Event) string {
	var row string
	switch {
	case ev.Type == events.SwapExecuted && ev.Swap != nil:
		row = strconv.FormatInt(ev.Swap.ID, 10)
	case ev.Proposal != nil:
		row = strconv.FormatInt(ev.Proposal.ID, 10)
	case ev.Offer != nil:
		row = strconv.FormatInt(ev.Offer.ID, 10)
	}
	return fmt.Sprintf("%s:%d:%s:%s", ev.Signature, ev.InstructionIndex, ev.Type, row)
}

// DecodeEvent parses a message payload.
func DecodeEvent(data []byte) (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	return &ev, nil
}
