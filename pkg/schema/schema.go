// Package schema supplies the current GraphQL schema to the classifier.
// The schema is optional: a source may legitimately have nothing to serve,
// in which case private-type detection is skipped upstream.
package schema

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
)

// Source supplies the most recent known schema.
type Source interface {
	// Latest returns the current schema, or nil if none is available.
	Latest() *ast.Schema
}

// Static is a fixed schema source, parsed once from SDL.
type Static struct {
	schema *ast.Schema
}

func NewStatic(sdl string) (*Static, error) {
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "schema.graphql", Input: sdl})
	if err != nil {
		return nil, err
	}
	return &Static{schema: schema}, nil
}

func (s *Static) Latest() *ast.Schema {
	return s.schema
}

// FileSource loads the schema from an SDL file and reloads it whenever the
// file changes on disk. A reload that fails to parse keeps the previous
// schema in place, so a half-written file never drops privacy detection.
type FileSource struct {
	path    string
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	schema *ast.Schema
}

func NewFileSource(path string, logger zerolog.Logger) (*FileSource, error) {
	s := &FileSource{
		path: path,
		log:  logger.With().Str("schema", path).Logger(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory, not the file: editors replace files on save
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher
	go s.watch()
	return s, nil
}

func (s *FileSource) Latest() *ast.Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *FileSource) load() error {
	sdl, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: filepath.Base(s.path), Input: string(sdl)})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.schema = schema
	s.mu.Unlock()
	return nil
}

func (s *FileSource) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := s.load(); err != nil {
				s.log.Error().Err(err).Msg("Could not reload schema, keeping previous")
				continue
			}
			s.log.Info().Msg("Schema reloaded")
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("Schema watcher error")
		}
	}
}
