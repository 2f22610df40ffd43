package jobs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oee-monitor/fleetflash/pkg/console"
	"github.com/oee-monitor/fleetflash/pkg/debug"
)

func renderBoard(debugEnabled bool) string {
	original := debug.IsEnabled
	debug.IsEnabled = debugEnabled
	defer func() { debug.IsEnabled = original }()

	var buf bytes.Buffer
	opts := append([]console.BoardOption{console.WithLive(true)}, boardOptions()...)
	board := console.NewBoard(&buf, []string{"COM3"}, opts...)
	board.Update(0, 40)
	board.Finish(0, true, "")
	board.Close()
	return buf.String()
}

func TestBoardOptions_LineModeWhileDebugging(t *testing.T) {
	output := renderBoard(true)

	assert.NotContains(t, output, "\033[")
	assert.Contains(t, output, "[0] COM3 done")
}

func TestBoardOptions_LiveWithoutDebugging(t *testing.T) {
	output := renderBoard(false)

	assert.Contains(t, output, "\033[")
}
