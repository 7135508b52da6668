package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

func writeJSONLine(v any) error {
	return writeJSONLineTo(os.Stdout, v)
}

func writeJSONLineTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}

// syncWriter serialises writers that share one output, such as list
// summaries and chat notifications during watch.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
