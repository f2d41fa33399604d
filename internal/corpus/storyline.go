// internal/corpus/storyline.go
package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/NovelIntruder/internal/errors"
	"github.com/Corphon/NovelIntruder/internal/models"
	"github.com/pkg/errors"
)

// Storylines is the read-only storyline graph: per-protagonist ordered anchor
// ids plus optional node details.
type Storylines struct {
	byProtagonist map[string][]string
	details       map[string]models.StoryNode
}

// LoadStorylines 加载 storylines_data.json；文件不存在时返回空图
func LoadStorylines(path string) (*Storylines, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStorylines(models.StorylineData{}), nil
		}
		return nil, errors.Wrapf(err, "read storyline file %s", path)
	}

	var sd models.StorylineData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, errors.Wrapf(err, "parse storyline file %s", path)
	}
	return NewStorylines(sd), nil
}

// NewStorylines builds the graph from decoded data.
func NewStorylines(sd models.StorylineData) *Storylines {
	s := &Storylines{
		byProtagonist: make(map[string][]string, len(sd.Storylines)),
		details:       make(map[string]models.StoryNode, len(sd.NodesDetail)),
	}
	for _, line := range sd.Storylines {
		if _, seen := s.byProtagonist[line.Protagonist]; seen {
			continue
		}
		nodes := make([]string, len(line.Nodes))
		copy(nodes, line.Nodes)
		s.byProtagonist[line.Protagonist] = nodes
	}
	for id, node := range sd.NodesDetail {
		s.details[id] = node
	}
	return s
}

// Protagonists lists protagonists that have a storyline.
func (s *Storylines) Protagonists() []string {
	out := make([]string, 0, len(s.byProtagonist))
	for p := range s.byProtagonist {
		out = append(out, p)
	}
	return out
}

// FirstAnchor returns the first node of the protagonist's storyline.
func (s *Storylines) FirstAnchor(protagonist string) (string, bool) {
	nodes := s.byProtagonist[protagonist]
	if len(nodes) == 0 {
		return "", false
	}
	return nodes[0], true
}

// NextAnchor returns the node after anchorID, or false at the end of the
// storyline or when anchorID is not on it.
func (s *Storylines) NextAnchor(protagonist, anchorID string) (string, bool) {
	nodes := s.byProtagonist[protagonist]
	for i, id := range nodes {
		if id == anchorID {
			if i+1 < len(nodes) {
				return nodes[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// ChunkIDFor maps an anchor id to its chunk: nodes_detail wins, otherwise
// a{c}_{n} maps to ch{c}_{n}.
func (s *Storylines) ChunkIDFor(anchorID string) string {
	if node, ok := s.details[anchorID]; ok && node.TextChunkID != "" {
		return node.TextChunkID
	}
	return "ch" + strings.TrimPrefix(anchorID, "a")
}

// AnchorInfo 锚点描述信息（不含原文）
func (s *Storylines) AnchorInfo(anchorID string) models.AnchorInfo {
	info := models.AnchorInfo{
		AnchorID:    anchorID,
		TextChunkID: s.ChunkIDFor(anchorID),
	}
	if node, ok := s.details[anchorID]; ok {
		info.Brief = node.Brief
		info.Type = node.Type
		info.Characters = append([]string(nil), node.Characters...)
		info.ImpactScore = node.ImpactScore
	}
	return info
}

// ResolveAnchor turns an anchor id into a corpus Anchor.
func (s *Storylines) ResolveAnchor(anchorID string) (models.Anchor, error) {
	chapterID, _, err := ParseAnchorID(anchorID)
	if err != nil {
		return models.Anchor{}, err
	}
	return models.Anchor{
		NodeID:    anchorID,
		ChunkID:   s.ChunkIDFor(anchorID),
		ChapterID: chapterID,
	}, nil
}

// ParseAnchorID splits "a{chapter}_{index}".
func ParseAnchorID(anchorID string) (chapterID, index int, err error) {
	body, ok := strings.CutPrefix(anchorID, "a")
	if !ok {
		return 0, 0, invalidAnchorID(anchorID)
	}
	left, right, ok := strings.Cut(body, "_")
	if !ok {
		return 0, 0, invalidAnchorID(anchorID)
	}
	chapterID, err = strconv.Atoi(left)
	if err != nil {
		return 0, 0, invalidAnchorID(anchorID)
	}
	index, err = strconv.Atoi(right)
	if err != nil {
		return 0, 0, invalidAnchorID(anchorID)
	}
	return chapterID, index, nil
}

func invalidAnchorID(id string) error {
	return apperrors.NewValidationError(fmt.Sprintf("invalid anchor id %q", id), nil)
}
