package jobs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oee-monitor/fleetflash/internal/jobs"
	"github.com/oee-monitor/fleetflash/internal/mocks"
	"github.com/oee-monitor/fleetflash/pkg/debug"
)

var testConfig = jobs.FlashConfig{
	Target: jobs.FlashTarget{Chip: "esp32s3", Baud: 460800, FlashMode: "dio", FlashFreq: "80m", FlashSize: "16MB"},
	Images: []jobs.Image{
		{Name: "bootloader", Offset: 0x0, Path: "bootloader.bin"},
		{Name: "partitions", Offset: 0x8000, Path: "partitions.bin"},
		{Name: "ota", Offset: 0xe000, Path: "flash-ota.bin"},
		{Name: "firmware", Offset: 0x10000, Path: "firmware.bin"},
	},
}

// newTestManager wires a manager to a mock driver and a recording presenter.
func newTestManager(driver jobs.Driver, concurrency int) (*jobs.FlashManager, func() *mocks.MockPresenter) {
	var (
		mu        sync.Mutex
		presenter *mocks.MockPresenter
	)
	manager := jobs.NewFlashManager(driver, concurrency)
	manager.SetPresenterFactory(func(labels []string) jobs.Presenter {
		mu.Lock()
		defer mu.Unlock()
		presenter = mocks.NewMockPresenter(labels)
		return presenter
	})
	return manager, func() *mocks.MockPresenter {
		mu.Lock()
		defer mu.Unlock()
		return presenter
	}
}

func progressOutput(values ...int) string {
	var b strings.Builder
	b.WriteString("Connecting....\n")
	for _, v := range values {
		fmt.Fprintf(&b, "Writing at 0x%08x... (%d %%)\n", v*0x1000, v)
	}
	b.WriteString("Hard resetting via RTS pin...\n")
	return b.String()
}

func TestFlashManager_AllSucceed(t *testing.T) {
	driver := mocks.NewMockDriver()
	driver.Processes["COM3"] = mocks.NewMockProcess(progressOutput(0, 50, 100), 0)
	driver.Processes["COM5"] = mocks.NewMockProcess(progressOutput(0, 50, 100), 0)

	manager, presenter := newTestManager(driver, 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs([]string{"COM3", "COM5"}, testConfig))
	require.NoError(t, err)

	assert.Equal(t, jobs.Summary{Total: 2, Succeeded: 2, Failed: 0}, result.Summary)
	assert.Empty(t, result.Pending)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, jobs.ExitOK, jobs.ExitCode(result, 2, err))

	for i, o := range result.Outcomes {
		assert.Equal(t, i, o.Index)
		assert.True(t, o.Success)
		assert.NoError(t, o.Err)
		assert.Equal(t, 0, o.ExitCode)
		assert.Equal(t, 100, o.LastPercent)
	}

	p := presenter()
	require.NotNil(t, p)
	assert.Equal(t, []string{"COM3", "COM5"}, p.Labels)
	assert.Equal(t, []int{0, 50, 100}, p.Updates(0))
	assert.Equal(t, []int{0, 50, 100}, p.Updates(1))
	assert.Equal(t, 1, p.CloseCalls)
	assert.Empty(t, manager.GetActiveJobs())
}

func TestFlashManager_OneFailure(t *testing.T) {
	driver := mocks.NewMockDriver()
	driver.Processes["COM3"] = mocks.NewMockProcess(progressOutput(0, 100), 0)
	driver.Processes["COM5"] = mocks.NewMockProcess("A fatal error occurred: Failed to connect to ESP32-S3\n", 2)

	manager, presenter := newTestManager(driver, 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs([]string{"COM3", "COM5"}, testConfig))
	require.NoError(t, err)

	assert.Equal(t, jobs.Summary{Total: 2, Succeeded: 1, Failed: 1}, result.Summary)
	assert.Equal(t, jobs.ExitFailures, jobs.ExitCode(result, 2, err))

	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "COM5", failures[0].Port)
	assert.Equal(t, 2, failures[0].ExitCode)
	assert.Equal(t, -1, failures[0].LastPercent)

	var exitErr *jobs.ExitError
	require.True(t, errors.As(failures[0].Err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)

	finish, ok := presenter().Finished(1)
	require.True(t, ok)
	assert.False(t, finish.OK)
	assert.Contains(t, finish.Note, "exited with code 2")
}

func TestFlashManager_NoJobs(t *testing.T) {
	driver := mocks.NewMockDriver()
	manager, presenter := newTestManager(driver, 0)

	result, err := manager.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, jobs.Summary{}, result.Summary)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, 0, driver.StartCalls)
	assert.Nil(t, presenter())
	assert.Equal(t, jobs.ExitNoEndpoints, jobs.ExitCode(result, 0, err))
}

func TestFlashManager_MixedOutcomesKeepSummaryConsistent(t *testing.T) {
	driver := mocks.NewMockDriver()
	driver.StartErrors["COM1"] = &jobs.LaunchError{Port: "COM1", Err: os.ErrNotExist}
	driver.StartErrors["COM2"] = os.ErrPermission
	driver.Processes["COM3"] = mocks.NewMockProcess(progressOutput(10, 20), 1)
	driver.Processes["COM4"] = mocks.NewMockProcess(progressOutput(100), 0)
	driver.Processes["COM5"] = &mocks.MockProcess{Reader: iotest.ErrReader(errors.New("pipe broken"))}
	waitFails := mocks.NewMockProcess(progressOutput(100), 0)
	waitFails.WaitErr = errors.New("no child processes")
	waitFails.ExitCode = -1
	driver.Processes["COM6"] = waitFails

	ports := []string{"COM1", "COM2", "COM3", "COM4", "COM5", "COM6"}
	manager, _ := newTestManager(driver, 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs(ports, testConfig))
	require.NoError(t, err)

	s := result.Summary
	assert.Equal(t, len(ports), s.Total)
	assert.Equal(t, s.Total, s.Succeeded+s.Failed)
	assert.Equal(t, len(result.Outcomes), s.Total)
	assert.Equal(t, 1, s.Succeeded)

	var launchErr *jobs.LaunchError
	assert.True(t, errors.As(result.Outcomes[0].Err, &launchErr))
	assert.True(t, errors.Is(result.Outcomes[0].Err, os.ErrNotExist))
	assert.True(t, errors.As(result.Outcomes[1].Err, &launchErr))
	assert.True(t, errors.Is(result.Outcomes[1].Err, os.ErrPermission))

	var exitErr *jobs.ExitError
	assert.True(t, errors.As(result.Outcomes[2].Err, &exitErr))
	assert.Equal(t, 20, result.Outcomes[2].LastPercent)

	assert.True(t, result.Outcomes[3].Success)

	var readErr *jobs.StreamReadError
	assert.True(t, errors.As(result.Outcomes[4].Err, &readErr))
	assert.True(t, errors.As(result.Outcomes[5].Err, &readErr))
	assert.Contains(t, result.Outcomes[5].Cause(), "no child processes")
}

func TestFlashManager_RecoversWorkerPanic(t *testing.T) {
	driver := mocks.NewMockDriver()
	driver.StartFunc = func(job jobs.FlashJob) (jobs.Process, error) {
		if job.Port == "COM5" {
			panic("driver exploded")
		}
		return mocks.NewMockProcess(progressOutput(100), 0), nil
	}

	manager, presenter := newTestManager(driver, 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs([]string{"COM3", "COM5"}, testConfig))
	require.NoError(t, err)

	assert.Equal(t, jobs.Summary{Total: 2, Succeeded: 1, Failed: 1}, result.Summary)
	assert.Contains(t, result.Outcomes[1].Cause(), "driver exploded")

	finish, ok := presenter().Finished(1)
	require.True(t, ok)
	assert.False(t, finish.OK)
}

func TestFlashManager_PreservesPerJobUpdateOrder(t *testing.T) {
	const count = 8
	all := make([]int, 101)
	for i := range all {
		all[i] = i
	}

	driver := mocks.NewMockDriver()
	ports := make([]string, count)
	for i := range ports {
		ports[i] = fmt.Sprintf("/dev/ttyUSB%d", i)
		driver.Processes[ports[i]] = mocks.NewMockProcess(progressOutput(all...), 0)
	}

	manager, presenter := newTestManager(driver, 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs(ports, testConfig))
	require.NoError(t, err)
	assert.Equal(t, count, result.Summary.Succeeded)

	for i := 0; i < count; i++ {
		assert.Equal(t, all, presenter().Updates(i), "job %d", i)
	}
}

func TestFlashManager_SequentialRunsOneAtATime(t *testing.T) {
	driver := mocks.NewMockDriver()
	ports := []string{"COM3", "COM4", "COM5", "COM6"}
	for _, port := range ports {
		driver.Processes[port] = mocks.NewMockProcess(progressOutput(50, 100), 0)
	}

	manager, _ := newTestManager(driver, 1)
	result, err := manager.Run(context.Background(), jobs.BuildJobs(ports, testConfig))
	require.NoError(t, err)

	assert.Equal(t, 4, result.Summary.Succeeded)
	assert.Equal(t, 1, driver.MaxRunning)
	assert.Equal(t, ports, driver.StartOrder())
}

func TestFlashManager_InterruptReturnsPartialResult(t *testing.T) {
	reader, writer := io.Pipe()
	t.Cleanup(func() { writer.Close() })

	driver := mocks.NewMockDriver()
	driver.Processes["COM3"] = mocks.NewMockProcess(progressOutput(100), 0)
	driver.Processes["COM5"] = &mocks.MockProcess{Reader: reader}

	manager, presenter := newTestManager(driver, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type runResult struct {
		result *jobs.Result
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		result, err := manager.Run(ctx, jobs.BuildJobs([]string{"COM3", "COM5"}, testConfig))
		done <- runResult{result, err}
	}()

	// the write returns once the worker has consumed the line
	_, err := writer.Write([]byte("Writing at 0x00010000... (10 %)\n"))
	require.NoError(t, err)

	// COM3 finishes on its own
	require.Eventually(t, func() bool {
		p := presenter()
		if p == nil {
			return false
		}
		_, finished := p.Finished(0)
		return finished
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	var got runResult
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.ErrorIs(t, got.err, jobs.ErrInterrupted)
	assert.Equal(t, []string{"COM5"}, got.result.Pending)
	assert.Equal(t, got.result.Summary.Total, got.result.Summary.Succeeded+got.result.Summary.Failed)
	assert.Equal(t, jobs.ExitInterrupted, jobs.ExitCode(got.result, 2, got.err))
}

func TestFlashManager_WithEsptoolScript(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping on Windows - needs different mock approach")
	}

	tempDir := t.TempDir()
	script := filepath.Join(tempDir, "esptool.sh")
	content := `#!/bin/sh
case "$*" in
  *COM5*)
    echo "A fatal error occurred: Could not open COM5, the port is busy or doesn't exist." >&2
    exit 2
    ;;
esac
printf 'Writing at 0x00000000... (0 %%)\r'
printf 'Writing at 0x00008000... (50 %%)\r'
echo "Writing at 0x00010000... (100 %)"
exit 0
`
	require.NoError(t, os.WriteFile(script, []byte(content), 0755))

	manager, presenter := newTestManager(jobs.NewEsptoolExecutor([]string{script}, tempDir), 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs([]string{"COM3", "COM5"}, testConfig))
	require.NoError(t, err)

	assert.Equal(t, jobs.Summary{Total: 2, Succeeded: 1, Failed: 1}, result.Summary)
	assert.Equal(t, []int{0, 50, 100}, presenter().Updates(0))
	assert.Equal(t, 2, result.Outcomes[1].ExitCode)
}

func TestFlashManager_StartFailureFromExecutor(t *testing.T) {
	executor := jobs.NewEsptoolExecutor([]string{filepath.Join(t.TempDir(), "missing-esptool")}, "")
	manager, _ := newTestManager(executor, 0)

	result, err := manager.Run(context.Background(), jobs.BuildJobs([]string{"COM3"}, testConfig))
	require.NoError(t, err)

	require.Len(t, result.Outcomes, 1)
	var launchErr *jobs.LaunchError
	assert.True(t, errors.As(result.Outcomes[0].Err, &launchErr))
	assert.Equal(t, -1, result.Outcomes[0].ExitCode)
}

// commandLineDriver adds the command line a real executor reports
type commandLineDriver struct {
	*mocks.MockDriver
}

func (commandLineDriver) CommandLine(job jobs.FlashJob) []string {
	return []string{"esptool.py", "--port", job.Port, "write_flash"}
}

func TestFlashManager_LogsCommandLineWithJobFields(t *testing.T) {
	t.Cleanup(func() {
		debug.SetOutput(os.Stderr)
		debug.Reinitialize()
	})
	t.Setenv("DEBUG", "true")
	t.Setenv("LOG_LEVEL", "INFO")
	debug.Reinitialize()
	var buf bytes.Buffer
	debug.SetOutput(&buf)

	manager, _ := newTestManager(commandLineDriver{mocks.NewMockDriver()}, 0)
	result, err := manager.Run(context.Background(), jobs.BuildJobs([]string{"COM3"}, testConfig))
	require.NoError(t, err)

	var startLine string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "Starting esptool.py --port COM3 write_flash") {
			startLine = line
		}
	}
	require.NotEmpty(t, startLine)
	assert.Contains(t, startLine, "run="+result.RunID)
	assert.Contains(t, startLine, "port=COM3")
}

func TestEsptoolExecutor_CommandLine(t *testing.T) {
	executor := jobs.NewEsptoolExecutor([]string{"python3", "-m", "esptool"}, "")
	job := jobs.BuildJobs([]string{"COM3"}, testConfig)[0]

	cmdline := executor.CommandLine(job)

	assert.Equal(t, []string{"python3", "-m", "esptool", "--chip", "esp32s3", "--port", "COM3"}, cmdline[:7])
	assert.Equal(t, "firmware.bin", cmdline[len(cmdline)-1])
}
