package groups

import (
	"bufio"
	"cmp"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	appLog "kseschedule/internal/log"
)

const separator = " : "

// Group is one entry of the group directory.
type Group struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Directory is the static list of schedule groups, sorted by name.
type Directory struct {
	groups []Group
}

// Load reads a directory file from path.
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open group directory: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse reads "<id> : <name>" lines. Lines that do not split into exactly
// two parts or whose id is not an integer are skipped.
func Parse(r io.Reader) (*Directory, error) {
	var out []Group
	skipped := 0

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, separator)
		if len(parts) != 2 {
			skipped++
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			skipped++
			continue
		}
		out = append(out, Group{ID: id, Name: strings.TrimSpace(parts[1])})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read group directory: %w", err)
	}

	if skipped > 0 {
		appLog.Debug("group directory: skipped malformed lines", "count", skipped)
	}
	return New(out), nil
}

// New builds a Directory from groups.
func New(groups []Group) *Directory {
	sorted := slices.Clone(groups)
	slices.SortFunc(sorted, func(a, b Group) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return &Directory{groups: sorted}
}

// All returns every group sorted by name.
func (d *Directory) All() []Group {
	return slices.Clone(d.groups)
}

// Len returns the number of groups.
func (d *Directory) Len() int {
	return len(d.groups)
}

// Lookup returns the group with the given id.
func (d *Directory) Lookup(id int) (Group, bool) {
	for _, g := range d.groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// Search returns groups whose name contains query, ignoring case. An empty
// query matches everything.
func (d *Directory) Search(query string) []Group {
	query = strings.TrimSpace(query)
	if query == "" {
		return d.All()
	}

	fold := cases.Fold()
	needle := fold.String(query)

	out := make([]Group, 0)
	for _, g := range d.groups {
		if strings.Contains(fold.String(g.Name), needle) {
			out = append(out, g)
		}
	}
	return out
}
