package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestPionFactory_WritesScope(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	f := &PionFactory{Logger: zerolog.New(&buf)}
	l := f.NewLogger("ice")
	l.Warnf("candidate %d", 3)

	assert.Contains(t, buf.String(), `"module":"pion.ice"`)
	assert.Contains(t, buf.String(), "candidate 3")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestSetLevel_Fallback(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	SetLevel("DEBUG")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	SetLevel("nonsense")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
