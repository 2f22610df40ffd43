package jobs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Driver starts the flashing tool for a job.
type Driver interface {
	Start(job FlashJob) (Process, error)
}

// commandLiner is implemented by drivers that can show the command they run.
type commandLiner interface {
	CommandLine(job FlashJob) []string
}

// Process is a running flashing tool. Output yields stdout and stderr merged
// in the order the tool wrote them and reaches EOF when the tool exits. Wait
// must be called once Output is drained and returns the exit code.
type Process interface {
	Output() io.Reader
	Wait() (exitCode int, err error)
	PID() int
}

// DefaultTool is the command used to run esptool when none is configured.
func DefaultTool() []string {
	if runtime.GOOS == "windows" {
		return []string{"python", "-m", "esptool"}
	}
	return []string{"python3", "-m", "esptool"}
}

// SplitTool turns a configured command line such as "python3 -m esptool"
// into argv form.
func SplitTool(command string) []string {
	return strings.Fields(command)
}

// EsptoolExecutor launches one esptool process per job
type EsptoolExecutor struct {
	tool          []string
	workDirectory string
}

// NewEsptoolExecutor creates a new executor. tool is the command prefix,
// for example ["python3", "-m", "esptool"] or ["esptool.py"].
func NewEsptoolExecutor(tool []string, workDirectory string) *EsptoolExecutor {
	if len(tool) == 0 {
		tool = DefaultTool()
	}
	return &EsptoolExecutor{
		tool:          tool,
		workDirectory: workDirectory,
	}
}

// Tool returns the command prefix in use.
func (e *EsptoolExecutor) Tool() []string {
	return append([]string(nil), e.tool...)
}

// CommandLine returns the full command Start runs for job.
func (e *EsptoolExecutor) CommandLine(job FlashJob) []string {
	return append(e.Tool(), buildEsptoolArgs(job)...)
}

// Start launches the tool for job. Any failure to get the process running
// is returned as a *LaunchError.
func (e *EsptoolExecutor) Start(job FlashJob) (Process, error) {
	args := append(append([]string{}, e.tool[1:]...), buildEsptoolArgs(job)...)
	cmd := exec.Command(e.tool[0], args...)
	cmd.Dir = e.workDirectory
	// python block-buffers a piped stdout, which would hold back progress lines
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	// one pipe for both streams keeps their relative order
	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, &LaunchError{Port: job.Port, Err: fmt.Errorf("failed to create output pipe: %w", err)}
	}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return nil, &LaunchError{Port: job.Port, Err: err}
	}
	// the child owns its copy of the write end now; ours must go so EOF
	// arrives when the child exits
	writer.Close()

	return &esptoolProcess{cmd: cmd, output: reader}, nil
}

// buildEsptoolArgs builds the esptool command line arguments
func buildEsptoolArgs(job FlashJob) []string {
	t := job.Target
	args := []string{
		"--chip", t.Chip,
		"--port", job.Port,
		"--baud", strconv.Itoa(t.Baud),
	}
	if t.Before != "" {
		args = append(args, "--before", t.Before)
	}
	if t.After != "" {
		args = append(args, "--after", t.After)
	}

	args = append(args, "write_flash")
	if t.Compress {
		args = append(args, "-z")
	}
	if t.FlashMode != "" {
		args = append(args, "--flash_mode", t.FlashMode)
	}
	if t.FlashFreq != "" {
		args = append(args, "--flash_freq", t.FlashFreq)
	}
	if t.FlashSize != "" {
		args = append(args, "--flash_size", t.FlashSize)
	}

	for _, img := range job.Images {
		args = append(args, FormatOffset(img.Offset), img.Path)
	}
	return args
}

type esptoolProcess struct {
	cmd    *exec.Cmd
	output *os.File
}

func (p *esptoolProcess) Output() io.Reader {
	return p.output
}

func (p *esptoolProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Wait reaps the process. A non-zero status is reported through exitCode
// with a nil error; err is set only when the status could not be obtained.
func (p *esptoolProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	p.output.Close()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("failed to wait for flashing tool: %w", err)
}
