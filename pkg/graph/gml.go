package graph

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The on-disk graph format is a GML subset: a directed graph block with
// node and edge sub-blocks, string values quoted, list-valued attributes
// written as repeated keys. The writer is deterministic (nodes sorted by
// label, edges by endpoint pair) so an unchanged graph re-saves to
// identical bytes.

func encodeGML(nodes map[string]*Node, out map[string]map[string]*Edge) []byte {
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	ids := make(map[string]int, len(names))
	for i, name := range names {
		ids[name] = i
	}

	var b bytes.Buffer
	b.WriteString("graph [\n")
	b.WriteString("  directed 1\n")

	for i, name := range names {
		n := nodes[name]
		fmt.Fprintf(&b, "  node [\n    id %d\n    label %s\n", i, gmlQuote(name))
		if n.Type != "" {
			fmt.Fprintf(&b, "    type %s\n", gmlQuote(n.Type))
		}
		fmt.Fprintf(&b, "    firstseen %d\n  ]\n", n.FirstSeen)
	}

	var edges []*Edge
	for _, targets := range out {
		for _, e := range targets {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	for _, e := range edges {
		srcID, okSrc := ids[e.Source]
		tgtID, okTgt := ids[e.Target]
		if !okSrc || !okTgt {
			continue
		}
		fmt.Fprintf(&b, "  edge [\n    source %d\n    target %d\n", srcID, tgtID)
		fmt.Fprintf(&b, "    relation %s\n", gmlQuote(e.Relation))
		for _, r := range e.Relations {
			fmt.Fprintf(&b, "    relations %s\n", gmlQuote(r))
		}
		if e.Desc != "" {
			fmt.Fprintf(&b, "    desc %s\n", gmlQuote(e.Desc))
		}
		for _, d := range e.Descriptions {
			fmt.Fprintf(&b, "    descriptions %s\n", gmlQuote(d))
		}
		fmt.Fprintf(&b, "    weight %s\n", strconv.FormatFloat(e.Weight, 'g', -1, 64))
		fmt.Fprintf(&b, "    firstseen %d\n    lastupdated %d\n  ]\n", e.FirstSeen, e.LastUpdated)
	}

	b.WriteString("]\n")
	return b.Bytes()
}

func decodeGML(data []byte) (map[string]*Node, []*Edge, error) {
	nodes := map[string]*Node{}
	labels := map[int]string{}
	var edges []*Edge

	var block string // "", "node", "edge"
	attrs := map[string][]string{}

	finalize := func() error {
		switch block {
		case "node":
			id, err := strconv.Atoi(first(attrs, "id", "-1"))
			if err != nil {
				return fmt.Errorf("bad node id: %w", err)
			}
			label := first(attrs, "label", "")
			if label == "" {
				return fmt.Errorf("node %d has no label", id)
			}
			firstSeen, _ := strconv.ParseInt(first(attrs, "firstseen", "0"), 10, 64)
			labels[id] = label
			nodes[label] = &Node{
				Name:      label,
				Type:      first(attrs, "type", "entity"),
				FirstSeen: firstSeen,
			}
		case "edge":
			srcID, err1 := strconv.Atoi(first(attrs, "source", ""))
			tgtID, err2 := strconv.Atoi(first(attrs, "target", ""))
			if err1 != nil || err2 != nil {
				return fmt.Errorf("edge with bad endpoints")
			}
			source, okSrc := labels[srcID]
			target, okTgt := labels[tgtID]
			if !okSrc || !okTgt {
				return fmt.Errorf("edge references unknown node %d->%d", srcID, tgtID)
			}

			weight, err := strconv.ParseFloat(first(attrs, "weight", "1"), 64)
			if err != nil {
				weight = 1.0
			}
			firstSeen, _ := strconv.ParseInt(first(attrs, "firstseen", "0"), 10, 64)
			lastUpdated, _ := strconv.ParseInt(first(attrs, "lastupdated", "0"), 10, 64)

			relation := first(attrs, "relation", "related_to")
			relations := attrs["relations"]
			if len(relations) == 0 {
				relations = []string{relation}
			}

			edges = append(edges, &Edge{
				Source:       source,
				Target:       target,
				Relation:     relation,
				Relations:    relations,
				Desc:         first(attrs, "desc", ""),
				Descriptions: attrs["descriptions"],
				Weight:       weight,
				FirstSeen:    firstSeen,
				LastUpdated:  lastUpdated,
			})
		}
		block = ""
		attrs = map[string][]string{}
		return nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || line == "graph [":
			continue
		case line == "node [":
			block = "node"
		case line == "edge [":
			block = "edge"
		case line == "]":
			if err := finalize(); err != nil {
				return nil, nil, err
			}
		default:
			idx := strings.IndexByte(line, ' ')
			if idx <= 0 {
				continue
			}
			key := line[:idx]
			value := strings.TrimSpace(line[idx+1:])
			if strings.HasPrefix(value, `"`) {
				value = gmlUnquote(value)
			}
			if block == "" {
				continue // graph-level attrs like "directed 1"
			}
			attrs[key] = append(attrs[key], value)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}

	return nodes, edges, nil
}

func first(attrs map[string][]string, key, fallback string) string {
	if vals := attrs[key]; len(vals) > 0 {
		return vals[0]
	}
	return fallback
}

func gmlQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	// GML values are single-line; fold embedded newlines.
	s = strings.ReplaceAll(s, "\n", " ")
	return `"` + s + `"`
}

func gmlUnquote(s string) string {
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// encodeVectors writes the embedding cache with sorted keys and a fixed
// float format, so an unchanged cache re-encodes to identical bytes.
func encodeVectors(vectors map[string][]float32) []byte {
	names := make([]string, 0, len(vectors))
	for name := range vectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var b bytes.Buffer
	b.WriteString(`{"vectors":{`)
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		b.Write(key)
		b.WriteString(":[")
		for j, v := range vectors[name] {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.FormatFloat(float64(v), 'g', 8, 32))
		}
		b.WriteByte(']')
	}
	b.WriteString("}}")
	return b.Bytes()
}

func decodeVectors(data []byte) (map[string][]float32, error) {
	var doc struct {
		Vectors map[string][]float32 `json:"vectors"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Vectors == nil {
		doc.Vectors = map[string][]float32{}
	}
	return doc.Vectors, nil
}

func encodeAliases(aliases map[string]string) []byte {
	data, err := json.Marshal(aliases) // map keys marshal sorted
	if err != nil {
		return []byte("{}")
	}
	return data
}

func decodeAliases(data []byte) (map[string]string, error) {
	var aliases map[string]string
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, err
	}
	if aliases == nil {
		aliases = map[string]string{}
	}
	return aliases, nil
}
