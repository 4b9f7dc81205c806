// Package fdt reads the flattened device tree the bootloader hands the
// kernel, so boot can locate the RAM regions to seed the physical frame
// allocator with.
//
// This is deliberately narrow: locating /memory nodes, iterating their
// properties, and decoding a reg property into (start_address, size)
// pairs, with big-endian on-disk fields normalized to host order at
// read time. Nothing else is implemented.
package fdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

const (
	magic        = 0xd00dfeed
	fdtBeginNode = 0x1
	fdtEndNode   = 0x2
	fdtProp      = 0x3
	fdtNop       = 0x4
)

// header mirrors the on-disk FDT header, all fields big-endian.
type header struct {
	Magic         uint32
	TotalSize     uint32
	OffDtStruct   uint32
	OffDtStrings  uint32
	OffMemRsvmap  uint32
	Version       uint32
	LastCompVer   uint32
	BootCpuidPhys uint32
	SizeDtStrings uint32
	SizeDtStruct  uint32
}

// Reader parses a flattened device tree blob.
type Reader struct {
	hdr     header
	blob    []byte
	strings []byte
}

// NewReader validates the FDT header and returns a Reader over blob.
func NewReader(blob []byte) (*Reader, error) {
	if len(blob) < 40 {
		return nil, errors.New("fdt: blob too short for header")
	}
	r := &Reader{blob: blob}
	fields := []*uint32{
		&r.hdr.Magic, &r.hdr.TotalSize, &r.hdr.OffDtStruct, &r.hdr.OffDtStrings,
		&r.hdr.OffMemRsvmap, &r.hdr.Version, &r.hdr.LastCompVer,
		&r.hdr.BootCpuidPhys, &r.hdr.SizeDtStrings, &r.hdr.SizeDtStruct,
	}
	for i, f := range fields {
		*f = binary.BigEndian.Uint32(blob[i*4:])
	}
	if r.hdr.Magic != magic {
		return nil, fmt.Errorf("fdt: bad magic %#x", r.hdr.Magic)
	}
	if int(r.hdr.OffDtStrings+r.hdr.SizeDtStrings) > len(blob) {
		return nil, errors.New("fdt: strings block out of bounds")
	}
	if int(r.hdr.OffDtStruct+r.hdr.SizeDtStruct) > len(blob) {
		return nil, errors.New("fdt: struct block out of bounds")
	}
	r.strings = blob[r.hdr.OffDtStrings : r.hdr.OffDtStrings+r.hdr.SizeDtStrings]
	return r, nil
}

// Property is a single name/value pair attached to a node.
type Property struct {
	Name  string
	Value []byte
}

// MemoryRegion is one decoded entry of a "reg" property: a physical
// address range in the big-endian on-disk form, normalized to host order.
type MemoryRegion struct {
	Start uint64
	Size  uint64
}

// Node is a located point in the device tree, holding the properties
// attached directly to it.
type Node struct {
	props []Property
}

// Properties returns the properties attached directly to this node.
func (n *Node) Properties() []Property {
	return n.props
}

// Reg decodes the node's "reg" property as repeated big-endian
// (start, size) uint64 pairs.
func (n *Node) Reg() ([]MemoryRegion, error) {
	for _, p := range n.props {
		if p.Name != "reg" {
			continue
		}
		if len(p.Value)%16 != 0 {
			return nil, fmt.Errorf("fdt: reg property length %d not a multiple of 16", len(p.Value))
		}
		regions := make([]MemoryRegion, 0, len(p.Value)/16)
		for off := 0; off < len(p.Value); off += 16 {
			regions = append(regions, MemoryRegion{
				Start: binary.BigEndian.Uint64(p.Value[off:]),
				Size:  binary.BigEndian.Uint64(p.Value[off+8:]),
			})
		}
		return regions, nil
	}
	return nil, errors.New("fdt: no reg property")
}

// cursor walks the struct block.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) tag() (uint32, bool) {
	if c.pos+4 > len(c.buf) {
		return 0, false
	}
	return binary.BigEndian.Uint32(c.buf[c.pos:]), true
}

func (c *cursor) advance(n int) { c.pos += n }

func (c *cursor) align4() {
	if r := c.pos % 4; r != 0 {
		c.advance(4 - r)
	}
}

func (c *cursor) cstr() (string, error) {
	start := c.pos
	for c.pos < len(c.buf) && c.buf[c.pos] != 0 {
		c.pos++
	}
	if c.pos >= len(c.buf) {
		return "", errors.New("fdt: unterminated string")
	}
	s := string(c.buf[start:c.pos])
	c.pos++ // skip NUL
	return s, nil
}

func (r *Reader) cstrAtOffset(off uint32) string {
	end := int(off)
	for end < len(r.strings) && r.strings[end] != 0 {
		end++
	}
	return string(r.strings[off:end])
}

// parseProp decodes one FDT_PROP entry at the cursor, which must be
// positioned exactly on its tag.
func (r *Reader) parseProp(c *cursor) (Property, error) {
	tag, ok := c.tag()
	if !ok || tag != fdtProp {
		return Property{}, errors.New("fdt: expected FDT_PROP")
	}
	c.advance(4)
	if c.pos+8 > len(c.buf) {
		return Property{}, errors.New("fdt: truncated prop header")
	}
	length := binary.BigEndian.Uint32(c.buf[c.pos:])
	nameOff := binary.BigEndian.Uint32(c.buf[c.pos+4:])
	c.advance(8)
	if c.pos+int(length) > len(c.buf) {
		return Property{}, errors.New("fdt: truncated prop value")
	}
	value := c.buf[c.pos : c.pos+int(length)]
	c.advance(int(length))
	c.align4()
	return Property{Name: r.cstrAtOffset(nameOff), Value: value}, nil
}

// skipNode consumes an entire node, including its children, assuming the
// cursor is positioned exactly on its FDT_BEGIN_NODE tag.
func (r *Reader) skipNode(c *cursor) error {
	tag, ok := c.tag()
	if !ok || tag != fdtBeginNode {
		return errors.New("fdt: expected FDT_BEGIN_NODE")
	}
	c.advance(4)
	if _, err := c.cstr(); err != nil {
		return err
	}
	c.align4()
	for {
		tag, ok := c.tag()
		if !ok {
			return errors.New("fdt: truncated node")
		}
		switch tag {
		case fdtProp:
			if _, err := r.parseProp(c); err != nil {
				return err
			}
		case fdtNop:
			c.advance(4)
		case fdtBeginNode:
			if err := r.skipNode(c); err != nil {
				return err
			}
		case fdtEndNode:
			c.advance(4)
			return nil
		default:
			return fmt.Errorf("fdt: unexpected tag %#x while skipping node", tag)
		}
	}
}

// descend scans the children of the node whose first child tag the
// cursor is positioned at, looking for the one matching parts[0] (and,
// if len(parts) > 1, recursing into it for the rest of the path). It
// consumes exactly one level's worth of siblings: on a non-match it
// consumes through the end of the failed subtree and continues; on
// reaching the parent's own FDT_END_NODE it stops, having consumed it.
func (r *Reader) descend(c *cursor, parts []string) (*Node, bool) {
	for {
		tag, ok := c.tag()
		if !ok {
			return nil, false
		}
		switch tag {
		case fdtProp:
			if _, err := r.parseProp(c); err != nil {
				return nil, false
			}
		case fdtNop:
			c.advance(4)
		case fdtEndNode:
			c.advance(4)
			return nil, false
		case fdtBeginNode:
			startPos := c.pos
			c.advance(4)
			unitName, err := c.cstr()
			if err != nil {
				return nil, false
			}
			c.align4()
			baseName := unitName
			if i := strings.IndexByte(unitName, '@'); i >= 0 {
				baseName = unitName[:i]
			}
			if baseName != parts[0] && unitName != parts[0] {
				c.pos = startPos
				if err := r.skipNode(c); err != nil {
					return nil, false
				}
				continue
			}
			if len(parts) == 1 {
				var props []Property
			collect:
				for {
					tag, ok := c.tag()
					if !ok {
						return nil, false
					}
					switch tag {
					case fdtProp:
						p, err := r.parseProp(c)
						if err != nil {
							return nil, false
						}
						props = append(props, p)
					case fdtNop:
						c.advance(4)
					default:
						break collect
					}
				}
				return &Node{props: props}, true
			}
			if n, ok := r.descend(c, parts[1:]); ok {
				return n, true
			}
			// Not found among this node's children; descend already
			// consumed through this node's own FDT_END_NODE, so the
			// outer loop continues at the sibling level.
		default:
			return nil, false
		}
	}
}

// FindNode locates the node at the given '/'-separated path, e.g.
// "/memory" or "/soc/uart@10000000".
func (r *Reader) FindNode(path string) (*Node, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, "/")
	c := &cursor{buf: r.blob[r.hdr.OffDtStruct : r.hdr.OffDtStruct+r.hdr.SizeDtStruct]}
	// The root node itself is unnamed; descend past its header into its
	// children before matching the first path component.
	tag, ok := c.tag()
	if !ok || tag != fdtBeginNode {
		return nil, false
	}
	c.advance(4)
	if _, err := c.cstr(); err != nil {
		return nil, false
	}
	c.align4()
	return r.descend(c, parts)
}
