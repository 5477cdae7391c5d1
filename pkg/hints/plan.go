package hints

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	cerrors "github.com/TFMV/cardinal/pkg/errors"
)

// PlanNode is the subset of a PostgreSQL EXPLAIN (FORMAT JSON) node needed to
// reproduce its scan and join choices.
type PlanNode struct {
	NodeType     string     `json:"Node Type"`
	RelationName string     `json:"Relation Name,omitempty"`
	Alias        string     `json:"Alias,omitempty"`
	IndexName    string     `json:"Index Name,omitempty"`
	Plans        []PlanNode `json:"Plans,omitempty"`
}

const planNodeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["Node Type"],
  "properties": {
    "Node Type": {"type": "string", "minLength": 1},
    "Relation Name": {"type": "string"},
    "Alias": {"type": "string"},
    "Index Name": {"type": "string"},
    "Plans": {"type": "array", "items": {"$ref": "#"}}
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func nodeSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(planNodeSchema))
	})
	return schema, schemaErr
}

// ParsePlanJSON decodes a plan in any of the shapes PostgreSQL tools emit:
// the EXPLAIN output list [{"Plan": {...}}], a single {"Plan": {...}}
// object, or a bare node. The root node is validated before it is decoded.
func ParsePlanJSON(data []byte) (*PlanNode, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "plan is not valid JSON")
	}

	if list, ok := doc.([]interface{}); ok {
		if len(list) == 0 {
			return nil, cerrors.New(cerrors.CodeInvalidRequest, "plan list is empty")
		}
		doc = list[0]
	}
	if obj, ok := doc.(map[string]interface{}); ok {
		if inner, ok := obj["Plan"]; ok {
			doc = inner
		}
	}

	s, err := nodeSchema()
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "plan schema failed to compile")
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "plan could not be validated")
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return nil, cerrors.New(cerrors.CodeInvalidRequest, "plan does not look like an EXPLAIN (FORMAT JSON) node").
			WithDetail("errors", problems)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInternal, "failed to re-encode plan")
	}
	var root PlanNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidRequest, "failed to decode plan")
	}
	return &root, nil
}

var scanHints = map[string]string{
	"Seq Scan":          "SeqScan",
	"Index Scan":        "IndexScan",
	"Index Only Scan":   "IndexOnlyScan",
	"Bitmap Heap Scan":  "BitmapScan",
	"Bitmap Index Scan": "BitmapScan",
	"Tid Scan":          "TidScan",
	"Tid Range Scan":    "TidRangeScan",
}

var joinHints = map[string]string{
	"Nested Loop": "NestLoop",
	"Hash Join":   "HashJoin",
	"Merge Join":  "MergeJoin",
}

// IndexHint records an index chosen for a table.
type IndexHint struct {
	Table string `json:"table"`
	Index string `json:"index"`
}

// Breakdown is the result of converting a plan into hints.
type Breakdown struct {
	Hint       string      `json:"hint_string"`
	ScanHints  []string    `json:"scan_hints"`
	JoinHints  []string    `json:"join_hints"`
	IndexHints []IndexHint `json:"index_hints"`
	Tables     []string    `json:"tables"`
}

// Convert walks the plan bottom-up and collects scan hints keyed by alias
// (falling back to relation name), join hints over every table beneath a join
// with at least two inputs, and the indexes used by scans.
func Convert(root *PlanNode) Breakdown {
	c := &converter{seenJoin: make(map[string]bool), seenTable: make(map[string]bool)}
	if root != nil {
		c.walk(*root)
	}
	return c.breakdown()
}

// FromPlan returns the pg_hint_plan comment reproducing root, or "" when the
// plan has no hintable nodes.
func FromPlan(root *PlanNode) string {
	return Convert(root).Hint
}

// FromJSON parses data with ParsePlanJSON and converts it.
func FromJSON(data []byte) (Breakdown, error) {
	root, err := ParsePlanJSON(data)
	if err != nil {
		return Breakdown{}, err
	}
	return Convert(root), nil
}

type converter struct {
	scans     []string
	joins     []string
	indexes   []IndexHint
	tables    []string
	seenJoin  map[string]bool
	seenTable map[string]bool
}

func (c *converter) walk(node PlanNode) []string {
	var subtree []string
	var perChild [][]string
	for _, child := range node.Plans {
		tables := c.walk(child)
		perChild = append(perChild, tables)
		subtree = append(subtree, tables...)
	}

	if hint, ok := scanHints[node.NodeType]; ok {
		table := node.Alias
		if table == "" {
			table = node.RelationName
		}
		if table != "" {
			c.scans = append(c.scans, fmt.Sprintf("%s(%s)", hint, table))
			subtree = append(subtree, table)
			if !c.seenTable[table] {
				c.seenTable[table] = true
				c.tables = append(c.tables, table)
			}
			if node.IndexName != "" {
				c.indexes = append(c.indexes, IndexHint{Table: table, Index: node.IndexName})
			}
		}
		return subtree
	}

	if hint, ok := joinHints[node.NodeType]; ok && len(perChild) >= 2 && len(subtree) >= 2 {
		j := fmt.Sprintf("%s(%s)", hint, strings.Join(subtree, " "))
		if !c.seenJoin[j] {
			c.seenJoin[j] = true
			c.joins = append(c.joins, j)
		}
	}
	return subtree
}

func (c *converter) breakdown() Breakdown {
	b := Breakdown{
		ScanHints:  c.scans,
		JoinHints:  c.joins,
		IndexHints: c.indexes,
		Tables:     c.tables,
	}

	var parts []string
	parts = append(parts, c.scans...)
	parts = append(parts, c.joins...)
	for _, ih := range c.indexes {
		parts = append(parts, fmt.Sprintf("IndexScan(%s %s)", ih.Table, ih.Index))
	}
	if len(parts) > 0 {
		b.Hint = "/*+ " + strings.Join(parts, " ") + " */"
	}
	return b
}
