// Package objc holds the on-disk Objective-C runtime structures found in
// __objc_* sections and their parsed counterparts.
package objc

import (
	"fmt"
	"strings"
)

const (
	// Sections walked by the runtime parser.
	ClassList    = "__objc_classlist"
	NonLazyClass = "__objc_nlclslist"
	CatList      = "__objc_catlist"
	ProtoList    = "__objc_protolist"
	SelRefs      = "__objc_selrefs"
	ClassRefs    = "__objc_classrefs"
	SuperRefs    = "__objc_superrefs"
	MethName     = "__objc_methname"
	MethType     = "__objc_methtype"
	ClassName    = "__objc_classname"
)

// The class_t data pointer carries flag bits in its low end; the struct
// pointer is recovered by masking.
const (
	FAST_DATA_MASK   uint64 = 0xfffffffc
	FAST_DATA_MASK64 uint64 = 0x00007ffffffffff8

	FAST_IS_SWIFT_LEGACY uint64 = 0x1
	FAST_IS_SWIFT_STABLE uint64 = 0x2
)

// An ObjcClass64 is the on-disk objc_class structure (64-bit).
type ObjcClass64 struct {
	IsaVMAddr              uint64
	SuperclassVMAddr       uint64
	MethodCacheBuckets     uint64
	MethodCacheProperties  uint64
	DataVMAddrAndFastFlags uint64
}

func (c ObjcClass64) DataVMAddr() uint64 { return c.DataVMAddrAndFastFlags & FAST_DATA_MASK64 }

type ClassRoFlags uint32

const (
	RO_META                  ClassRoFlags = 1 << 0
	RO_ROOT                  ClassRoFlags = 1 << 1
	RO_HAS_CXX_STRUCTORS     ClassRoFlags = 1 << 2
	RO_HAS_LOAD_METHOD       ClassRoFlags = 1 << 3
	RO_HIDDEN                ClassRoFlags = 1 << 4
	RO_EXCEPTION             ClassRoFlags = 1 << 5
	RO_HAS_SWIFT_INITIALIZER ClassRoFlags = 1 << 6
	RO_IS_ARC                ClassRoFlags = 1 << 7
	RO_FROM_BUNDLE           ClassRoFlags = 1 << 29
	RO_FUTURE                ClassRoFlags = 1 << 30
	RO_REALIZED              ClassRoFlags = 1 << 31
)

func (f ClassRoFlags) IsMeta() bool { return (f & RO_META) != 0 }
func (f ClassRoFlags) IsRoot() bool { return (f & RO_ROOT) != 0 }

// A ClassRO64 is the on-disk class_ro_t structure (64-bit).
type ClassRO64 struct {
	Flags                ClassRoFlags
	InstanceStart        uint32
	InstanceSize         uint64
	IvarLayoutVMAddr     uint64
	NameVMAddr           uint64
	BaseMethodsVMAddr    uint64
	BaseProtocolsVMAddr  uint64
	IvarsVMAddr          uint64
	WeakIvarLayoutVMAddr uint64
	BasePropertiesVMAddr uint64
}

// Class is a parsed Objective-C class.
type Class struct {
	Name             string
	SuperClass       string
	InstanceMethods  []Method
	ClassMethods     []Method
	Ivars            []Ivar
	Props            []Property
	Protocols        []Protocol
	ClassPtr         uint64
	IsaVMAddr        uint64
	SuperclassVMAddr uint64
	DataVMAddr       uint64
	IsSwift          bool
	ReadOnlyData     ClassRO64
}

func (c *Class) String() string {
	if len(c.SuperClass) > 0 {
		return fmt.Sprintf("%s : %s", c.Name, c.SuperClass)
	}
	return c.Name
}

// Method-list entsize flag bits.
const (
	relativeMethodSelectorsAreDirectFlag uint32 = 0x40000000
	smallMethodListFlag                  uint32 = 0x80000000

	METHOD_LIST_FLAGS_MASK uint32 = 0xffff0003
	METHOD_LIST_SIZE_MASK  uint32 = 0x0000fffc
)

// A MethodList is the method_list_t header preceding the entries.
type MethodList struct {
	EntSizeAndFlags uint32
	Count           uint32
}

func (ml MethodList) UsesRelativeOffsets() bool {
	return (ml.EntSizeAndFlags & smallMethodListFlag) != 0
}
func (ml MethodList) UsesDirectOffsetsToSelectors() bool {
	return (ml.EntSizeAndFlags & relativeMethodSelectorsAreDirectFlag) != 0
}
func (ml MethodList) EntSize() uint32 {
	return ml.EntSizeAndFlags & METHOD_LIST_SIZE_MASK
}

func (ml MethodList) String() string {
	layout := "absolute"
	if ml.UsesRelativeOffsets() {
		layout = "relative"
	}
	return fmt.Sprintf("count=%d entrysize=%d layout=%s", ml.Count, ml.EntSize(), layout)
}

// A MethodT is an absolute-layout method_t entry.
type MethodT struct {
	NameVMAddr  uint64 // SEL
	TypesVMAddr uint64 // const char *
	ImpVMAddr   uint64 // IMP
}

// A RelativeMethodT is a relative-layout method_t entry: each field is a
// signed 32-bit offset from that field's own address.
type RelativeMethodT struct {
	NameOffset  int32
	TypesOffset int32
	ImpOffset   int32
}

// Method is a parsed method with all addresses absolute, whatever the
// on-disk layout was.
type Method struct {
	NameVMAddr  uint64
	TypesVMAddr uint64
	ImpVMAddr   uint64
	Name        string
	Types       string
}

// Selector is the target of a selref entry: the address of the selector
// name string plus the resolved name.
type Selector struct {
	VMAddr uint64 // address of the selector name string
	Name   string
}

func (s Selector) String() string { return fmt.Sprintf("%#x: %s", s.VMAddr, s.Name) }

type IvarList struct {
	EntSize uint32
	Count   uint32
}

type IvarT struct {
	Offset      uint64 // uint32_t *
	NameVMAddr  uint64 // const char *
	TypesVMAddr uint64 // const char *
	Alignment   uint32
	Size        uint32
}

type Ivar struct {
	Name   string
	Type   string
	Offset uint32
	IvarT
}

func (i *Ivar) String() string { return fmt.Sprintf("%s %s (%d bytes)", i.Type, i.Name, i.Size) }

type PropertyList struct {
	EntSize uint32
	Count   uint32
}

type PropertyT struct {
	NameVMAddr       uint64
	AttributesVMAddr uint64
}

type Property struct {
	Name       string
	Attributes string
}

type ProtocolT struct {
	IsaVMAddr                     uint64
	NameVMAddr                    uint64
	ProtocolsVMAddr               uint64
	InstanceMethodsVMAddr         uint64
	ClassMethodsVMAddr            uint64
	OptionalInstanceMethodsVMAddr uint64
	OptionalClassMethodsVMAddr    uint64
	InstancePropertiesVMAddr      uint64
	Size                          uint32
	Flags                         uint32
}

type Protocol struct {
	Name                    string
	Protocols               []Protocol
	InstanceMethods         []Method
	ClassMethods            []Method
	OptionalInstanceMethods []Method
	OptionalClassMethods    []Method
	Ptr                     uint64
	ProtocolT
}

func (p *Protocol) String() string {
	var protos []string
	for _, sub := range p.Protocols {
		protos = append(protos, sub.Name)
	}
	if len(protos) > 0 {
		return fmt.Sprintf("%s <%s>", p.Name, strings.Join(protos, ", "))
	}
	return p.Name
}

// A CategoryT is the on-disk category_t structure.
type CategoryT struct {
	NameVMAddr               uint64
	ClsVMAddr                uint64
	InstanceMethodsVMAddr    uint64
	ClassMethodsVMAddr       uint64
	ProtocolsVMAddr          uint64
	InstancePropertiesVMAddr uint64
}

// Category is a parsed Objective-C category.
type Category struct {
	Name            string
	BaseClass       string
	VMAddr          uint64
	InstanceMethods []Method
	ClassMethods    []Method
	Protocols       []Protocol
	Properties      []Property
	CategoryT
}

func (c *Category) String() string {
	if len(c.BaseClass) > 0 {
		return fmt.Sprintf("%s (%s)", c.BaseClass, c.Name)
	}
	return c.Name
}

// A CFString64T is the on-disk __cfstring record.
type CFString64T struct {
	IsaVMAddr uint64 // class
	Info      uint64 // flags
	CStrVMAddr uint64 // string data
	Length    uint64
}

// CFString is a parsed CoreFoundation string literal.
type CFString struct {
	Name    string
	Address uint64
	CFString64T
}
