package plan

import (
	"bufio"
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

var (
	ErrEmptyMethod = errors.New("step has an empty method")
	ErrBackup      = errors.New("backing up plan")
	ErrWrite       = errors.New("writing plan")
	ErrClose       = errors.New("closing plan")
)

// BackupSuffix is appended to a plan path to get its backup copy.
const BackupSuffix = ".bak"

//go:embed empty.plan
var defaultTemplate []byte

// sentinelRx matches the template line replaced by the name of the plan.
var sentinelRx = regexp.MustCompile(`^#\s*empty\.\S+\s*$`)

// DefaultTemplate returns a copy of the embedded plan header.
func DefaultTemplate() []byte {
	return bytes.Clone(defaultTemplate)
}

// LoadTemplate reads a template file, an empty path means the default one.
func LoadTemplate(path string) ([]byte, error) {
	if path == "" {
		return DefaultTemplate(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan template: %w", err)
	}
	return b, nil
}

type WriteOptions struct {
	Template []byte // nil means DefaultTemplate
	Backup   bool   // copy the previous file to path + BackupSuffix
}

// Validate checks the steps can be written.
func (p *Plan) Validate() error {
	var errs []error
	for i, s := range p.Steps {
		if s.Method == "" {
			errs = append(errs, fmt.Errorf("step %d: %w", i+1, ErrEmptyMethod))
		}
	}
	return errors.Join(errs...)
}

// Write serializes the plan to dest. Write failures wrap ErrWrite and close
// failures wrap ErrClose.
func Write(p *Plan, dest string, opts WriteOptions) error {
	if err := p.Validate(); err != nil {
		return err
	}

	if opts.Backup {
		if err := backup(dest); err != nil {
			return fmt.Errorf("%w: %w", ErrBackup, err)
		}
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	w := bufio.NewWriter(f)
	err = render(w, p, filepath.Base(dest), opts.Template)
	if err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w %s: %w", ErrWrite, dest, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w %s: %w", ErrClose, dest, err)
	}
	return nil
}

// WriteTo serializes the plan to w, name replaces the template sentinel.
func WriteTo(w io.Writer, p *Plan, name string, template []byte) error {
	if err := p.Validate(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if err := render(bw, p, name, template); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func render(w *bufio.Writer, p *Plan, name string, template []byte) error {
	if template == nil {
		template = defaultTemplate
	}

	replaced := false
	scanner := bufio.NewScanner(bytes.NewReader(template))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		if !replaced && sentinelRx.MatchString(line) {
			line = CommentMarker + " " + name
			replaced = true
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading template: %w", err)
	}

	for _, s := range p.Steps {
		if _, err := w.WriteString(FormatStep(s) + "\n"); err != nil {
			return err
		}
	}
	return nil
}

func backup(path string) error {
	src, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	dst, err := os.Create(path + BackupSuffix)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
