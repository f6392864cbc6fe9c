package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"2", "3.5", `"quoted"`, "plain", `{"a":1}`, "[1,2]", "1 2"})
	assert.Equal(t, []any{
		int64(2),
		3.5,
		"quoted",
		"plain",
		map[string]any{"a": int64(1)},
		[]any{int64(1), int64(2)},
		"1 2",
	}, got)
}

func TestBuildCLICommands(t *testing.T) {
	root := buildCLI()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "worker", "submit", "status", "inspect"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}
