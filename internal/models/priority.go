package models

import (
	"fmt"
	"strings"
)

// Priority is the queue tier of an order. Higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts either the tier name or its numeric value.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "normal", "2":
		return PriorityNormal, nil
	case "low", "1":
		return PriorityLow, nil
	case "high", "3":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("invalid priority %q", value)
}
