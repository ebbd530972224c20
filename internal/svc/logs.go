package svc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
)

// LogOptions configures log viewing behavior.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
	Stdout      io.Writer
	Stderr      io.Writer
}

// ViewLogs displays service logs using the platform's log tool.
func ViewLogs(opts LogOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	name, args, err := logCommand(runtime.GOOS, opts)
	if err != nil {
		return err
	}
	if name == "" {
		_, err := fmt.Fprintf(opts.Stdout, "No log files found for service %q\n", opts.ServiceName)
		return err
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}

// logCommand returns the command that shows the logs on goos. An empty name
// means there is nothing to show.
func logCommand(goos string, opts LogOptions) (string, []string, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "journalctl", args, nil

	case "darwin":
		// launchd writes the service's stdout and stderr under /var/log.
		var files []string
		for _, f := range []string{
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
		} {
			if fileExists(f) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			return "", nil, nil
		}
		args := []string{"-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		return "tail", append(args, files...), nil

	case "windows":
		script := fmt.Sprintf(`Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | `+
			`Sort-Object TimeCreated | Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap`,
			opts.ServiceName, opts.Lines)
		return "powershell", []string{"-NoProfile", "-Command", script}, nil

	default:
		return "", nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
