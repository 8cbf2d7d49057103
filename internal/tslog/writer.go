package tslog

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WriterOptions configures the partition writer.
type WriterOptions struct {
	// RetryAttempts is how many times a failed append is retried against
	// the same file before the error is surfaced to the caller.
	RetryAttempts int
	// RetryBackoff is the delay between append retries.
	RetryBackoff time.Duration
	// Location is the timezone used for partition assignment and record
	// timestamps. Defaults to time.Local, per the operator's requirement
	// that filenames read in local time.
	Location *time.Location
}

// DefaultWriterOptions returns the retry policy used in production.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		RetryAttempts: 3,
		RetryBackoff:  250 * time.Millisecond,
		Location:      time.Local,
	}
}

// Writer appends samples to date-partitioned log files. It is the sole
// owner of the currently open partition handle. Every acknowledged append
// has been fsynced, so an acked sample survives an immediate crash.
type Writer struct {
	mu   sync.Mutex
	dir  string
	opts WriterOptions

	file *os.File
	day  string // partition file name currently open
}

// NewWriter creates the log directory if needed and returns a writer.
// A directory that cannot be created is a startup failure; the caller is
// expected to exit non-zero so supervision can restart the process.
func NewWriter(dir string, opts WriterOptions) (*Writer, error) {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultWriterOptions().RetryAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultWriterOptions().RetryBackoff
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("tslog: create log dir %s: %w", dir, err)
	}
	return &Writer{dir: dir, opts: opts}, nil
}

// Append durably writes one sample. The partition is chosen from the
// sample's own timestamp in the configured zone; a date change closes the
// current file and opens (or resumes) the new day's file. The write and
// sync are retried a bounded number of times before the error is returned.
func (w *Writer) Append(s Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := partitionName(s.Time, w.opts.Location)
	if w.file == nil || name != w.day {
		if err := w.openPartition(name); err != nil {
			return err
		}
	}

	line := encodeRecord(s, w.opts.Location) + "\n"

	var err error
	for attempt := 0; attempt < w.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(w.opts.RetryBackoff)
		}
		if err = w.writeSync(line); err == nil {
			return nil
		}
		log.Printf("[tslog] append to %s failed (attempt %d/%d): %v",
			w.day, attempt+1, w.opts.RetryAttempts, err)
	}
	return fmt.Errorf("tslog: append to %s: %w", w.day, err)
}

func (w *Writer) writeSync(line string) error {
	if _, err := w.file.WriteString(line); err != nil {
		return err
	}
	return w.file.Sync()
}

// openPartition closes the current file (syncing it) and opens the named
// one in append mode, so a restart mid-day resumes the same file. A brand
// new file gets the column header line first.
func (w *Writer) openPartition(name string) error {
	if err := w.closeFile(); err != nil {
		log.Printf("[tslog] close %s: %v", w.day, err)
	}

	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("tslog: open partition %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("tslog: stat partition %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(recordHeader + "\n"); err != nil {
			f.Close()
			return fmt.Errorf("tslog: write header to %s: %w", path, err)
		}
	} else if err := checkHeader(path); err != nil {
		// Keep appending anyway: readers skip lines they cannot parse,
		// and refusing to log loses data.
		log.Printf("[tslog] %v", err)
	}

	w.file = f
	w.day = name
	log.Printf("[tslog] opened partition %s", path)
	return nil
}

// checkHeader verifies the first line of an existing partition.
func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("check header of %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if sc.Scan() && sc.Text() != recordHeader {
		return fmt.Errorf("partition %s has unexpected header %q", path, sc.Text())
	}
	return nil
}

func (w *Writer) closeFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	w.day = ""
	return err
}

// Close flushes and releases the current partition handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeFile()
}
