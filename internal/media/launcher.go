package media

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/pders01/stow/internal/config"
)

// Launcher hands cached files to desktop programs.
type Launcher struct {
	imageViewer    string
	documentViewer string
	defaultOpener  string
	detector       *TypeDetector

	// start runs cmd detached; replaced in tests
	start func(cmd *exec.Cmd) error
}

func NewLauncher(cfg *config.Config) *Launcher {
	detector := Default()

	defaultOpener := cfg.Media.DefaultOpener
	if defaultOpener == "" {
		defaultOpener = detector.GetDefaultOpener()
	}

	l := &Launcher{
		defaultOpener: defaultOpener,
		detector:      detector,
		start:         startDetached,
	}

	var openers config.MediaOpeners
	switch runtime.GOOS {
	case "darwin":
		openers = cfg.Media.Darwin
	case "linux":
		openers = cfg.Media.Linux
	case "windows":
		openers = cfg.Media.Windows
	default:
		openers = cfg.Media.Darwin
	}

	if len(openers.Image) > 0 {
		l.imageViewer = findCommand(openers.Image...)
	}
	if len(openers.Document) > 0 {
		l.documentViewer = findCommand(openers.Document...)
	}
	if l.imageViewer == "" {
		l.imageViewer = l.defaultOpener
	}
	if l.documentViewer == "" {
		l.documentViewer = l.defaultOpener
	}
	return l
}

// Command picks the program for content of the given type.
func (l *Launcher) Command(contentType string) string {
	switch l.detector.KindOf(contentType) {
	case KindImage:
		return l.imageViewer
	case KindDocument:
		return l.documentViewer
	default:
		return l.defaultOpener
	}
}

// Open starts the program for contentType on target, which is a local file
// path or a URL on the local server.
func (l *Launcher) Open(target, contentType string) error {
	name := l.Command(contentType)
	if name == "" {
		return fmt.Errorf("no application found to open %s", target)
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" && name == "start" {
		cmd = exec.Command("cmd", "/c", "start", "", target)
	} else {
		cmd = exec.Command(name, target)
	}
	if err := l.start(cmd); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

func startDetached(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		_ = cmd.Wait()
	}()
	return nil
}

func findCommand(commands ...string) string {
	for _, cmd := range commands {
		if _, err := exec.LookPath(cmd); err == nil {
			return cmd
		}
	}
	return ""
}
