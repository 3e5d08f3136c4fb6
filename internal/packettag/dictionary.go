// Package packettag enriches reassembled space packets with dictionary names,
// processor metadata and alarm verdicts.
package packettag

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
)

// Definition describes one telemetry packet type.
type Definition struct {
	APID        uint16 `yaml:"apid"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Dictionary resolves APIDs to packet definitions.
type Dictionary interface {
	Lookup(apid uint16) (Definition, bool)
}

// MapDictionary is an in-memory Dictionary.
type MapDictionary map[uint16]Definition

// Lookup implements Dictionary.
func (m MapDictionary) Lookup(apid uint16) (Definition, bool) {
	def, ok := m[apid]
	return def, ok
}

// APIDDictionary accepts every APID and names it APID_<n>.
type APIDDictionary struct{}

// Lookup implements Dictionary.
func (APIDDictionary) Lookup(apid uint16) (Definition, bool) {
	return Definition{APID: apid, Name: "APID_" + strconv.Itoa(int(apid))}, true
}

type dictionaryFile struct {
	Packets []Definition `yaml:"packets"`
}

// LoadDictionary reads a YAML file of the form
//
//	packets:
//	  - apid: 100
//	    name: HK_STATUS
//	    description: housekeeping
func LoadDictionary(path string) (MapDictionary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dictionary: %w", err)
	}
	return ParseDictionary(raw)
}

// ParseDictionary decodes the YAML dictionary format.
func ParseDictionary(raw []byte) (MapDictionary, error) {
	var f dictionaryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse dictionary: %w", err)
	}

	dict := make(MapDictionary, len(f.Packets))
	for i, def := range f.Packets {
		if def.APID > ccsds.MaxAPID {
			return nil, fmt.Errorf("%w: packets[%d] apid %d", core.ErrAPIDOutOfRange, i, def.APID)
		}
		if def.Name == "" {
			return nil, fmt.Errorf("%w: packets[%d] has no name", core.ErrConfigInvalid, i)
		}
		if prev, dup := dict[def.APID]; dup {
			return nil, fmt.Errorf("%w: apid %d defined as both %s and %s", core.ErrConfigInvalid, def.APID, prev.Name, def.Name)
		}
		dict[def.APID] = def
	}
	return dict, nil
}
