package timeline

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Project is the on-disk YAML layout of a timeline:
//
//	bpm: 120
//	tracks:
//	  - id: drums
//	    name: Drums
//	    blocks:
//	      - start: 1
//	        duration: 4
//	        content: https://example.com/loop.mp3
//	        label: intro beat
type Project struct {
	BPM    float64        `yaml:"bpm,omitempty"`
	Tracks []ProjectTrack `yaml:"tracks"`
}

type ProjectTrack struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Blocks []ProjectBlock `yaml:"blocks"`
}

type ProjectBlock struct {
	ID       string  `yaml:"id,omitempty"`
	Start    float64 `yaml:"start"`
	Duration float64 `yaml:"duration"`
	Content  string  `yaml:"content"`
	Label    string  `yaml:"label,omitempty"`
}

// DecodeProject parses a YAML project. Tracks and blocks without ids get
// ids derived from their position, stable across reloads of the same file.
func DecodeProject(r io.Reader) (*Project, error) {
	var p Project
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if err == io.EOF {
			return &p, nil
		}
		return nil, fmt.Errorf("%w: decode project: %v", ErrInvalidParameter, err)
	}
	for i := range p.Tracks {
		if p.Tracks[i].ID == "" {
			p.Tracks[i].ID = DerivedID("track", strconv.Itoa(i))
		}
		for j := range p.Tracks[i].Blocks {
			if p.Tracks[i].Blocks[j].ID == "" {
				p.Tracks[i].Blocks[j].ID = DerivedID(p.Tracks[i].ID, "block", strconv.Itoa(j))
			}
		}
	}
	return &p, nil
}

// LoadProject reads a YAML project file.
func LoadProject(path string) (*Project, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeProject(f)
}

// Flatten converts the nested file layout into tracks and back-referencing blocks.
func (p *Project) Flatten() ([]Track, []Block) {
	var tracks []Track
	var blocks []Block
	for _, pt := range p.Tracks {
		tracks = append(tracks, Track{ID: pt.ID, Name: pt.Name})
		for _, pb := range pt.Blocks {
			blocks = append(blocks, Block{
				ID:            pb.ID,
				TrackID:       pt.ID,
				StartBeat:     pb.Start,
				DurationBeats: pb.Duration,
				ContentRef:    pb.Content,
				Label:         pb.Label,
			})
		}
	}
	return tracks, blocks
}

// Apply validates every block and replaces the store contents.
func (p *Project) Apply(s *MemoryStore) error {
	tracks, blocks := p.Flatten()
	return s.Replace(tracks, blocks)
}

// Encode writes the project back out as YAML.
func (p *Project) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}
