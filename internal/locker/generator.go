package locker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"

	"github.com/chiron-dev/chiron/internal/faults"
	"github.com/chiron-dev/chiron/internal/models"
	"github.com/chiron-dev/chiron/internal/toolexec"
)

// Generator produces hash-pinned locked constraints from a project
// manifest by driving the external resolver.
type Generator struct {
	Tools          *toolexec.Adapter
	IndexURL       string
	ExtraIndexURLs []string
}

// Request describes one lock generation
type Request struct {
	ManifestPath  string
	Extras        []string
	PythonRange   string
	PlatformScope []string // empty means universal
}

// Result pairs the structured record with the textual constraints file
type Result struct {
	Record      *models.LockRecord
	Constraints []byte
}

// Generate resolves the closure, validates it, and emits both artifacts.
// Given identical inputs (manifest, resolver version, index snapshot) the
// outputs are byte-identical.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	if _, err := os.Stat(req.ManifestPath); err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "manifest_missing",
			"project manifest not found", err).WithRef(req.ManifestPath)
	}

	resolverVersion, err := g.resolverVersion(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := g.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	constraints, err := ParseConstraints(raw)
	if err != nil {
		return nil, faults.Wrap(faults.CategoryResolver, "resolver_inconsistency",
			"resolver emitted an unparseable constraint set", err)
	}
	edges := parseViaEdges(raw)

	// every constraint must carry a complete hash set
	for _, c := range constraints {
		if len(c.Hashes) == 0 {
			return nil, faults.New(faults.CategoryResolver, "incomplete_resolution",
				"no hashes available for pinned requirement").WithRef(c.Name + "==" + c.Version).
				WithHint("the configured index must serve hashes for every artifact variant")
		}
	}

	if cycle := findCycle(edges); cycle != nil {
		return nil, faults.New(faults.CategoryResolver, "resolver_produced_cycle",
			"dependency closure contains a cycle").WithRef(strings.Join(cycle, " -> "))
	}

	if err := g.verifySatisfiability(req, constraints, edges); err != nil {
		return nil, err
	}

	record := &models.LockRecord{
		SchemaVersion:   models.LockSchemaVersion,
		ResolverVersion: resolverVersion,
		IndexURL:        g.IndexURL,
		PythonRange:     req.PythonRange,
		PlatformScope:   append([]string(nil), req.PlatformScope...),
		Constraints:     constraints,
		Edges:           edges,
	}
	sort.Slice(record.Edges, func(i, j int) bool {
		if record.Edges[i].To != record.Edges[j].To {
			return record.Edges[i].To < record.Edges[j].To
		}
		return record.Edges[i].From < record.Edges[j].From
	})

	if err := record.Validate(); err != nil {
		return nil, faults.Wrap(faults.CategoryInternal, "lock_invariant", "generated lock record is invalid", err)
	}

	return &Result{Record: record, Constraints: EmitConstraints(record)}, nil
}

// resolverVersion probes the resolver binary; recorded in the lock for audit
func (g *Generator) resolverVersion(ctx context.Context) (string, error) {
	rec, err := g.Tools.Run(ctx, toolexec.Invocation{
		Tag:  toolexec.TagResolve,
		Args: []string{"--version"},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(rec.Stdout)), nil
}

// resolve drives `uv pip compile` with hash generation
func (g *Generator) resolve(ctx context.Context, req Request) ([]byte, error) {
	args := []string{
		"pip", "compile",
		"--generate-hashes",
		"--no-header",
		"--annotation-style", "line",
		"--output-file", "-",
	}
	if len(req.PlatformScope) == 0 {
		args = append(args, "--universal")
	}
	if req.PythonRange != "" {
		args = append(args, "--python-version", req.PythonRange)
	}
	for _, extra := range req.Extras {
		args = append(args, "--extra", extra)
	}
	if g.IndexURL != "" {
		args = append(args, "--index-url", g.IndexURL)
	}
	for _, extra := range g.ExtraIndexURLs {
		args = append(args, "--extra-index-url", extra)
	}
	args = append(args, req.ManifestPath)

	rec, err := g.Tools.Run(ctx, toolexec.Invocation{
		Tag:  toolexec.TagResolve,
		Args: args,
	})
	if err != nil {
		return nil, err
	}
	return rec.Stdout, nil
}

// viaRe matches line-style resolver annotations: "# via a, b" or "# via -r reqs.in"
var viaRe = regexp.MustCompile(`#\s*via\s+(.+)$`)

// parseViaEdges recovers requirement edges from resolver annotations.
// "-r <file>" origins are project roots and recorded with From="".
func parseViaEdges(raw []byte) []models.RequirementEdge {
	var edges []models.RequirementEdge
	for _, line := range strings.Split(string(raw), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		m := viaRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		req := strings.Fields(trimmed)[0]
		to, _, _ := strings.Cut(req, "==")
		if open := strings.Index(to, "["); open >= 0 {
			to = to[:open]
		}
		to = models.NormalizeName(to)

		for _, origin := range strings.Split(m[1], ",") {
			origin = strings.TrimSpace(origin)
			if origin == "" {
				continue
			}
			if strings.HasPrefix(origin, "-r ") || strings.HasPrefix(origin, "-c ") {
				edges = append(edges, models.RequirementEdge{From: "", To: to, ReqString: to})
				continue
			}
			edges = append(edges, models.RequirementEdge{
				From:      models.NormalizeName(origin),
				To:        to,
				ReqString: to,
			})
		}
	}
	return edges
}

// findCycle returns one cycle path if the edge set is not acyclic
func findCycle(edges []models.RequirementEdge) []string {
	adj := make(map[string][]string)
	for _, e := range edges {
		if e.From == "" {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
	}
	for _, next := range adj {
		sort.Strings(next)
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(node string) bool
	visit = func(node string) bool {
		color[node] = grey
		stack = append(stack, node)
		for _, next := range adj[node] {
			if color[next] == grey {
				// slice the cycle out of the stack
				for i, n := range stack {
					if n == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
			}
			if color[next] == white && visit(next) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return false
	}

	nodes := make([]string, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if color[n] == white && visit(n) {
			return cycle
		}
	}
	return nil
}

// requirementRe splits "name[extras]specifier" at the first specifier token
var requirementRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)(\[[^\]]*\])?\s*(.*)$`)

// verifySatisfiability checks every requirement with a recorded specifier
// against the chosen version.
func (g *Generator) verifySatisfiability(req Request, constraints []models.LockedConstraint, edges []models.RequirementEdge) error {
	byName := make(map[string]models.LockedConstraint, len(constraints))
	for _, c := range constraints {
		byName[c.Name] = c
	}

	roots, err := readRootRequirements(req.ManifestPath)
	if err != nil {
		return err
	}

	check := func(name, specifier, owner string) error {
		c, ok := byName[name]
		if !ok {
			return faults.New(faults.CategoryResolver, "resolver_inconsistency",
				"requirement missing from locked constraint set").WithRef(owner + " -> " + name)
		}
		if specifier == "" {
			return nil
		}
		specs, err := pep440.NewSpecifiers(specifier)
		if err != nil {
			// resolver accepted it, so a parse failure here is ours to flag
			return faults.Wrap(faults.CategoryResolver, "resolver_inconsistency",
				fmt.Sprintf("unparseable specifier %q", specifier), err).WithRef(owner + " -> " + name)
		}
		v, err := pep440.Parse(c.Version)
		if err != nil {
			return faults.Wrap(faults.CategoryResolver, "resolver_inconsistency",
				fmt.Sprintf("unparseable locked version %q", c.Version), err).WithRef(name)
		}
		if !specs.Check(v) {
			return faults.New(faults.CategoryResolver, "resolver_inconsistency",
				fmt.Sprintf("locked version %s does not satisfy %q", c.Version, specifier)).
				WithRef(owner + " -> " + name)
		}
		return nil
	}

	for _, root := range roots {
		m := requirementRe.FindStringSubmatch(root)
		if m == nil {
			continue
		}
		if err := check(models.NormalizeName(m[1]), strings.TrimSpace(m[3]), "project"); err != nil {
			return err
		}
	}

	// transitive edges recovered from annotations carry no specifier; the
	// presence check still applies
	for _, e := range edges {
		if e.From == "" {
			continue
		}
		if err := check(e.To, "", e.From); err != nil {
			return err
		}
	}
	return nil
}

// readRootRequirements extracts requirement lines from a requirements-style
// manifest; pyproject manifests are resolved by the resolver itself and
// contribute no extra specifiers here.
func readRootRequirements(manifestPath string) ([]string, error) {
	if strings.HasSuffix(manifestPath, ".toml") {
		return nil, nil
	}
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var roots []string
	for _, line := range strings.Split(string(data), "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		roots = append(roots, line)
	}
	return roots, nil
}

// SaveRecord writes the lock record as canonical JSON
func SaveRecord(record *models.LockRecord, path string) error {
	data, err := CanonicalMarshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	return nil
}

// LoadRecord reads a lock record back
func LoadRecord(path string) (*models.LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock record: %w", err)
	}
	var record models.LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, faults.Wrap(faults.CategoryInputInvalid, "lock_malformed",
			"lock record is not valid JSON", err).WithRef(path)
	}
	return &record, nil
}
