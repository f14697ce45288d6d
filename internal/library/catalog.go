package library

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Iris/internal/event"
)

type (
	NodeType string

	// Node is one entry of the catalog tree. Paths are relative to the
	// library root the node sits under so the gateway never leaks host
	// filesystem layout.
	Node struct {
		Name     string   `json:"name"`
		Path     string   `json:"path"`
		Type     NodeType `json:"type"`
		Size     int64    `json:"size,omitempty"`
		Children []*Node  `json:"children,omitempty"`
	}

	Stats struct {
		Folders int `json:"folders"`
		Files   int `json:"files"`
		Errors  int `json:"errors"`
	}

	Snapshot struct {
		Revision uuid.UUID `json:"revision"`
		BuiltAt  time.Time `json:"built_at"`
		Roots    []*Node   `json:"roots"`
		Stats    Stats     `json:"stats"`
	}
)

const (
	DirNode  NodeType = "dir"
	FileNode NodeType = "file"
)

// Catalog maintains an in-memory tree of the song and movie libraries.
// Rebuilds replace the snapshot wholesale; readers always see a complete,
// consistent tree.
type Catalog struct {
	*sync.Mutex

	config   Config
	eventBus event.EventCoordinator
	snapshot *Snapshot
}

func NewCatalog(config Config, eventBus event.EventCoordinator) *Catalog {
	return &Catalog{
		Mutex:    &sync.Mutex{},
		config:   config.withDefaults(),
		eventBus: eventBus,
	}
}

// Current returns the latest snapshot, or nil when no rebuild has
// completed yet.
func (catalog *Catalog) Current() *Snapshot {
	catalog.Lock()
	defer catalog.Unlock()

	return catalog.snapshot
}

// Rebuild walks both library roots and swaps the snapshot. Unreadable
// directories are counted and skipped; a rebuild never fails outright.
func (catalog *Catalog) Rebuild() *Snapshot {
	started := time.Now()
	snapshot := &Snapshot{Revision: uuid.New(), BuiltAt: started}

	roots := []struct{ label, path string }{
		{"songs", catalog.config.SongDir},
		{"movies", catalog.config.MovieDir},
	}
	for _, root := range roots {
		if root.path == "" {
			continue
		}

		node, stats := catalog.walkRoot(root.label, root.path)
		snapshot.Roots = append(snapshot.Roots, node)
		snapshot.Stats.Folders += stats.Folders
		snapshot.Stats.Files += stats.Files
		snapshot.Stats.Errors += stats.Errors
	}

	catalog.Lock()
	catalog.snapshot = snapshot
	catalog.Unlock()

	log.Infof("Catalog rebuilt in %s: %d folders / %d files (%d errors)\n",
		time.Since(started).Round(time.Millisecond), snapshot.Stats.Folders, snapshot.Stats.Files, snapshot.Stats.Errors)
	if catalog.eventBus != nil {
		catalog.eventBus.Dispatch(event.CATALOG_UPDATE, snapshot.Revision)
	}

	return snapshot
}

// walkRoot builds the subtree for one library root, walking its top-level
// children concurrently.
func (catalog *Catalog) walkRoot(label string, path string) (*Node, Stats) {
	node := &Node{Name: label, Path: "", Type: DirNode}
	stats := Stats{Folders: 1}

	entries, err := os.ReadDir(path)
	if err != nil {
		log.Warnf("Cannot read library root %s: %v\n", path, err)
		stats.Errors++
		return node, stats
	}

	children := make([]*Node, len(entries))
	childStats := make([]Stats, len(entries))
	semaphore := make(chan struct{}, catalog.config.WalkParallelism)
	var wg sync.WaitGroup
	for i, entry := range entries {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(i int, entry os.DirEntry) {
			defer wg.Done()
			defer func() { <-semaphore }()
			children[i], childStats[i] = walkEntry(filepath.Join(path, entry.Name()), entry.Name(), entry)
		}(i, entry)
	}
	wg.Wait()

	for i := range children {
		if children[i] == nil {
			continue
		}
		node.Children = append(node.Children, children[i])
		stats.Folders += childStats[i].Folders
		stats.Files += childStats[i].Files
		stats.Errors += childStats[i].Errors
	}

	return node, stats
}

func walkEntry(absPath string, relPath string, entry os.DirEntry) (*Node, Stats) {
	if !entry.IsDir() {
		info, err := entry.Info()
		if err != nil {
			return nil, Stats{Errors: 1}
		}

		return &Node{Name: entry.Name(), Path: relPath, Type: FileNode, Size: info.Size()}, Stats{Files: 1}
	}

	node := &Node{Name: entry.Name(), Path: relPath, Type: DirNode}
	stats := Stats{Folders: 1}

	entries, err := os.ReadDir(absPath)
	if err != nil {
		stats.Errors++
		return node, stats
	}

	for _, child := range entries {
		childNode, childStats := walkEntry(filepath.Join(absPath, child.Name()), filepath.Join(relPath, child.Name()), child)
		if childNode != nil {
			node.Children = append(node.Children, childNode)
		}
		stats.Folders += childStats.Folders
		stats.Files += childStats.Files
		stats.Errors += childStats.Errors
	}

	return node, stats
}
