package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/appsworld/machalyzer/types/objc"
)

// Objective-C runtime metadata parsing: class lists, categories,
// protocols, selector and class references. Only the 64-bit layout is
// supported; 32-bit slices can still be parsed for structural metadata
// but their runtime sections are not walked.

var errObjC32 = fmt.Errorf("objective-c parsing requires a 64-bit slice")

// HasObjC reports whether the slice carries Objective-C runtime sections.
func (f *File) HasObjC() bool {
	return len(f.objcSections(objc.ClassList)) > 0 ||
		len(f.objcSections("__objc_imageinfo")) > 0
}

// objcSections returns every section with the given name inside a
// __DATA-family segment (__DATA, __DATA_CONST, __DATA_DIRTY).
func (f *File) objcSections(name string) []*Section {
	var secs []*Section
	for _, sec := range f.Sections {
		if sec.Name == name && strings.HasPrefix(sec.Seg, "__DATA") {
			secs = append(secs, sec)
		}
	}
	return secs
}

// readPointerList reads a section holding an array of pointers.
func (f *File) readPointerList(sec *Section) ([]uint64, error) {
	dat, err := sec.Data()
	if err != nil {
		return nil, err
	}
	ptrs := make([]uint64, sec.Size/f.pointerSize())
	if err := binary.Read(bytes.NewReader(dat), f.ByteOrder, &ptrs); err != nil {
		return nil, fmt.Errorf("failed to read %s.%s pointers: %v", sec.Seg, sec.Name, err)
	}
	return ptrs, nil
}

// GetObjCClasses parses every class in __objc_classlist and
// __objc_nlclslist.
func (f *File) GetObjCClasses() ([]*objc.Class, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	var classes []*objc.Class
	for _, name := range []string{objc.ClassList, objc.NonLazyClass} {
		for _, sec := range f.objcSections(name) {
			ptrs, err := f.readPointerList(sec)
			if err != nil {
				return nil, err
			}
			for _, ptr := range ptrs {
				class, err := f.GetObjCClass(ptr)
				if err != nil {
					return nil, fmt.Errorf("failed to read objc_class_t at %#x: %v", ptr, err)
				}
				classes = append(classes, class)
			}
		}
	}
	return classes, nil
}

// GetObjCClass parses an Objective-C class at a given virtual address.
// Classes are cached per slice; the metaclass cycle terminates on the
// cache.
func (f *File) GetObjCClass(vmaddr uint64) (*objc.Class, error) {
	if c, ok := f.objcCls[vmaddr]; ok {
		return c, nil
	}

	var classPtr objc.ObjcClass64
	if err := f.readStructAtAddr(vmaddr, &classPtr); err != nil {
		return nil, fmt.Errorf("failed to read objc_class_t: %w", err)
	}

	info, err := f.getObjCClassInfo(classPtr.DataVMAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to read class_ro_t at %#x: %v", classPtr.DataVMAddr(), err)
	}

	name, err := f.GetCString(info.NameVMAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read class name: %v", err)
	}

	class := &objc.Class{
		Name:             name,
		ClassPtr:         vmaddr,
		IsaVMAddr:        classPtr.IsaVMAddr,
		SuperclassVMAddr: classPtr.SuperclassVMAddr,
		DataVMAddr:       classPtr.DataVMAddr(),
		IsSwift:          classPtr.DataVMAddrAndFastFlags&(objc.FAST_IS_SWIFT_LEGACY|objc.FAST_IS_SWIFT_STABLE) != 0,
		ReadOnlyData:     *info,
	}
	// Cache before walking pointers so isa/superclass cycles resolve.
	f.objcCls[vmaddr] = class

	if info.BaseMethodsVMAddr > 0 {
		class.InstanceMethods, err = f.GetObjCMethods(info.BaseMethodsVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read methods at %#x: %v", info.BaseMethodsVMAddr, err)
		}
	}
	if info.BaseProtocolsVMAddr > 0 {
		class.Protocols, err = f.parseObjcProtocolList(info.BaseProtocolsVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read protocols at %#x: %v", info.BaseProtocolsVMAddr, err)
		}
	}
	if info.IvarsVMAddr > 0 {
		class.Ivars, err = f.GetObjCIvars(info.IvarsVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read ivars at %#x: %v", info.IvarsVMAddr, err)
		}
	}
	if info.BasePropertiesVMAddr > 0 {
		class.Props, err = f.GetObjCProperties(info.BasePropertiesVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read properties at %#x: %v", info.BasePropertiesVMAddr, err)
		}
	}

	if classPtr.SuperclassVMAddr > 0 && !info.Flags.IsRoot() {
		if super, err := f.GetObjCClass(classPtr.SuperclassVMAddr); err == nil {
			class.SuperClass = super.Name
		} else if bindName, ok := f.bindNameAt(vmaddr + 8); ok {
			class.SuperClass = strings.TrimPrefix(bindName, "_OBJC_CLASS_$_")
		}
	}

	// The metaclass carries the class methods as its instance methods.
	if classPtr.IsaVMAddr > 0 && !info.Flags.IsMeta() {
		if isa, err := f.GetObjCClass(classPtr.IsaVMAddr); err == nil {
			if isa.ReadOnlyData.Flags.IsMeta() {
				class.ClassMethods = isa.InstanceMethods
			}
		}
	}

	return class, nil
}

func (f *File) getObjCClassInfo(vmaddr uint64) (*objc.ClassRO64, error) {
	var info objc.ClassRO64
	if err := f.readStructAtAddr(vmaddr, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// readStructAtAddr reads a packed structure at a virtual address.
func (f *File) readStructAtAddr(vmaddr uint64, v interface{}) error {
	size := binary.Size(v)
	if size < 0 {
		return fmt.Errorf("unsized structure %T", v)
	}
	buf := make([]byte, size)
	if err := f.ReadAtAddr(buf, vmaddr); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), f.ByteOrder, v)
}

// GetObjCMethods reads the method list at vmaddr, choosing the
// absolute or relative entry layout.
func (f *File) GetObjCMethods(vmaddr uint64) ([]objc.Method, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	var methodList objc.MethodList
	if err := f.readStructAtAddr(vmaddr, &methodList); err != nil {
		return nil, fmt.Errorf("failed to read method_list_t: %w", err)
	}

	// The entsize flag bit is authoritative; a deployment target that
	// implies the other layout is recorded, not obeyed.
	relative := methodList.UsesRelativeOffsets()
	if f.MinimumDeploymentTarget() != nil && relative != f.relativeMethodListsByDefault() {
		f.warnf(WarnAmbiguousLayout, vmaddr,
			"method list flag says relative=%t but deployment target %s implies %t",
			relative, f.MinimumDeploymentTarget(), !relative)
	}

	if relative {
		return f.readRelativeMethods(vmaddr+8, methodList)
	}
	return f.readAbsoluteMethods(vmaddr+8, methodList)
}

func (f *File) readAbsoluteMethods(entriesAddr uint64, methodList objc.MethodList) ([]objc.Method, error) {
	var out []objc.Method
	methods := make([]objc.MethodT, methodList.Count)
	buf := make([]byte, uint64(binary.Size(objc.MethodT{}))*uint64(methodList.Count))
	if err := f.ReadAtAddr(buf, entriesAddr); err != nil {
		return nil, fmt.Errorf("failed to read method_t entries: %w", err)
	}
	if err := binary.Read(bytes.NewReader(buf), f.ByteOrder, &methods); err != nil {
		return nil, err
	}
	for _, m := range methods {
		name, err := f.GetCString(m.NameVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read method name: %v", err)
		}
		typ, err := f.GetCString(m.TypesVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read method types: %v", err)
		}
		out = append(out, objc.Method{
			NameVMAddr:  m.NameVMAddr,
			TypesVMAddr: m.TypesVMAddr,
			ImpVMAddr:   m.ImpVMAddr,
			Name:        name,
			Types:       typ,
		})
	}
	return out, nil
}

// readRelativeMethods decodes the post-iOS 14 layout: each field is a
// signed 32-bit offset from that field's own address, and the name
// field points at a selref unless the direct-selector flag is set.
func (f *File) readRelativeMethods(entriesAddr uint64, methodList objc.MethodList) ([]objc.Method, error) {
	var out []objc.Method
	entSize := uint64(methodList.EntSize())
	if entSize == 0 {
		entSize = uint64(binary.Size(objc.RelativeMethodT{}))
	}

	for k := uint64(0); k < uint64(methodList.Count); k++ {
		entryAddr := entriesAddr + k*entSize
		var m objc.RelativeMethodT
		if err := f.readStructAtAddr(entryAddr, &m); err != nil {
			return nil, fmt.Errorf("failed to read relative method_t: %w", err)
		}

		nameRefAddr := uint64(int64(entryAddr) + int64(m.NameOffset))
		var nameVMAddr uint64
		if methodList.UsesDirectOffsetsToSelectors() {
			nameVMAddr = nameRefAddr
		} else {
			// The name field references a selref slot.
			ptr, err := f.ReadPointer(nameRefAddr)
			if err != nil {
				return nil, fmt.Errorf("failed to read method selref: %v", err)
			}
			nameVMAddr = ptr
		}
		name, err := f.GetCString(nameVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read method name: %v", err)
		}

		typesVMAddr := uint64(int64(entryAddr) + 4 + int64(m.TypesOffset))
		typ, err := f.GetCString(typesVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read method types: %v", err)
		}

		impVMAddr := uint64(int64(entryAddr) + 8 + int64(m.ImpOffset))

		out = append(out, objc.Method{
			NameVMAddr:  nameVMAddr,
			TypesVMAddr: typesVMAddr,
			ImpVMAddr:   impVMAddr,
			Name:        name,
			Types:       typ,
		})
	}
	return out, nil
}

// GetObjCIvars reads the ivar list at vmaddr.
func (f *File) GetObjCIvars(vmaddr uint64) ([]objc.Ivar, error) {
	var ivarList objc.IvarList
	if err := f.readStructAtAddr(vmaddr, &ivarList); err != nil {
		return nil, fmt.Errorf("failed to read ivar_list_t: %w", err)
	}
	var out []objc.Ivar
	entryAddr := vmaddr + 8
	for k := uint32(0); k < ivarList.Count; k++ {
		var iv objc.IvarT
		if err := f.readStructAtAddr(entryAddr, &iv); err != nil {
			return nil, fmt.Errorf("failed to read ivar_t: %w", err)
		}
		name, err := f.GetCString(iv.NameVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read ivar name: %v", err)
		}
		typ, err := f.GetCString(iv.TypesVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read ivar type: %v", err)
		}
		var offset uint32
		if iv.Offset > 0 {
			if o, err := f.ReadU32(iv.Offset); err == nil {
				offset = o
			}
		}
		out = append(out, objc.Ivar{Name: name, Type: typ, Offset: offset, IvarT: iv})
		entryAddr += uint64(binary.Size(objc.IvarT{}))
	}
	return out, nil
}

// GetObjCProperties reads the property list at vmaddr.
func (f *File) GetObjCProperties(vmaddr uint64) ([]objc.Property, error) {
	var propList objc.PropertyList
	if err := f.readStructAtAddr(vmaddr, &propList); err != nil {
		return nil, fmt.Errorf("failed to read property_list_t: %w", err)
	}
	var out []objc.Property
	entryAddr := vmaddr + 8
	for k := uint32(0); k < propList.Count; k++ {
		var p objc.PropertyT
		if err := f.readStructAtAddr(entryAddr, &p); err != nil {
			return nil, fmt.Errorf("failed to read property_t: %w", err)
		}
		name, err := f.GetCString(p.NameVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read property name: %v", err)
		}
		attr, err := f.GetCString(p.AttributesVMAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to read property attributes: %v", err)
		}
		out = append(out, objc.Property{Name: name, Attributes: attr})
		entryAddr += uint64(binary.Size(objc.PropertyT{}))
	}
	return out, nil
}

func (f *File) parseObjcProtocolList(vmaddr uint64) ([]objc.Protocol, error) {
	count, err := f.ReadU64(vmaddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol_list_t count: %v", err)
	}
	var protos []objc.Protocol
	for k := uint64(0); k < count; k++ {
		ptr, err := f.ReadPointer(vmaddr + 8 + k*8)
		if err != nil {
			return nil, err
		}
		proto, err := f.getObjcProtocol(ptr)
		if err != nil {
			return nil, err
		}
		protos = append(protos, *proto)
	}
	return protos, nil
}

func (f *File) getObjcProtocol(vmaddr uint64) (*objc.Protocol, error) {
	var pt objc.ProtocolT
	if err := f.readStructAtAddr(vmaddr, &pt); err != nil {
		return nil, fmt.Errorf("failed to read protocol_t: %w", err)
	}
	proto := &objc.Protocol{Ptr: vmaddr, ProtocolT: pt}

	var err error
	proto.Name, err = f.GetCString(pt.NameVMAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol name: %v", err)
	}
	if pt.ProtocolsVMAddr > 0 {
		proto.Protocols, err = f.parseObjcProtocolList(pt.ProtocolsVMAddr)
		if err != nil {
			return nil, err
		}
	}
	if pt.InstanceMethodsVMAddr > 0 {
		proto.InstanceMethods, err = f.GetObjCMethods(pt.InstanceMethodsVMAddr)
		if err != nil {
			return nil, err
		}
	}
	if pt.ClassMethodsVMAddr > 0 {
		proto.ClassMethods, err = f.GetObjCMethods(pt.ClassMethodsVMAddr)
		if err != nil {
			return nil, err
		}
	}
	if pt.OptionalInstanceMethodsVMAddr > 0 {
		proto.OptionalInstanceMethods, err = f.GetObjCMethods(pt.OptionalInstanceMethodsVMAddr)
		if err != nil {
			return nil, err
		}
	}
	if pt.OptionalClassMethodsVMAddr > 0 {
		proto.OptionalClassMethods, err = f.GetObjCMethods(pt.OptionalClassMethodsVMAddr)
		if err != nil {
			return nil, err
		}
	}
	return proto, nil
}

// GetObjCProtocols parses every protocol in __objc_protolist.
func (f *File) GetObjCProtocols() ([]objc.Protocol, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	var protos []objc.Protocol
	for _, sec := range f.objcSections(objc.ProtoList) {
		ptrs, err := f.readPointerList(sec)
		if err != nil {
			return nil, err
		}
		for _, ptr := range ptrs {
			proto, err := f.getObjcProtocol(ptr)
			if err != nil {
				return nil, fmt.Errorf("failed to read protocol_t at %#x: %v", ptr, err)
			}
			protos = append(protos, *proto)
		}
	}
	return protos, nil
}

// GetObjCCategories parses every category in __objc_catlist.
func (f *File) GetObjCCategories() ([]objc.Category, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	var categories []objc.Category
	for _, sec := range f.objcSections(objc.CatList) {
		ptrs, err := f.readPointerList(sec)
		if err != nil {
			return nil, err
		}
		for _, ptr := range ptrs {
			var ct objc.CategoryT
			if err := f.readStructAtAddr(ptr, &ct); err != nil {
				return nil, fmt.Errorf("failed to read category_t at %#x: %w", ptr, err)
			}
			cat := objc.Category{VMAddr: ptr, CategoryT: ct}
			cat.Name, err = f.GetCString(ct.NameVMAddr)
			if err != nil {
				return nil, fmt.Errorf("failed to read category name: %v", err)
			}
			if ct.ClsVMAddr > 0 {
				if cls, err := f.GetObjCClass(ct.ClsVMAddr); err == nil {
					cat.BaseClass = cls.Name
				}
			} else if bindName, ok := f.bindNameAt(ptr + 8); ok {
				cat.BaseClass = strings.TrimPrefix(bindName, "_OBJC_CLASS_$_")
			}
			if ct.InstanceMethodsVMAddr > 0 {
				cat.InstanceMethods, err = f.GetObjCMethods(ct.InstanceMethodsVMAddr)
				if err != nil {
					return nil, err
				}
			}
			if ct.ClassMethodsVMAddr > 0 {
				cat.ClassMethods, err = f.GetObjCMethods(ct.ClassMethodsVMAddr)
				if err != nil {
					return nil, err
				}
			}
			if ct.ProtocolsVMAddr > 0 {
				cat.Protocols, err = f.parseObjcProtocolList(ct.ProtocolsVMAddr)
				if err != nil {
					return nil, err
				}
			}
			if ct.InstancePropertiesVMAddr > 0 {
				cat.Properties, err = f.GetObjCProperties(ct.InstancePropertiesVMAddr)
				if err != nil {
					return nil, err
				}
			}
			categories = append(categories, cat)
		}
	}
	return categories, nil
}

// GetObjCSelectorReferences maps every selref slot address to the
// selector it references.
func (f *File) GetObjCSelectorReferences() (map[uint64]objc.Selector, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	out := make(map[uint64]objc.Selector)
	for _, sec := range f.objcSections(objc.SelRefs) {
		ptrs, err := f.readPointerList(sec)
		if err != nil {
			return nil, err
		}
		for k, ptr := range ptrs {
			name, err := f.GetCString(ptr)
			if err != nil {
				return nil, fmt.Errorf("failed to read selector name at %#x: %v", ptr, err)
			}
			out[sec.Addr+uint64(k)*f.pointerSize()] = objc.Selector{VMAddr: ptr, Name: name}
		}
	}
	return out, nil
}

// GetObjCClassReferences maps every classref slot address to the class
// pointer stored there (zero for classes bound by dyld at load time).
func (f *File) GetObjCClassReferences() (map[uint64]uint64, error) {
	return f.refsInSections(objc.ClassRefs)
}

// GetObjCSuperReferences maps every superref slot address to the class
// pointer stored there.
func (f *File) GetObjCSuperReferences() (map[uint64]uint64, error) {
	return f.refsInSections(objc.SuperRefs)
}

func (f *File) refsInSections(name string) (map[uint64]uint64, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	out := make(map[uint64]uint64)
	for _, sec := range f.objcSections(name) {
		ptrs, err := f.readPointerList(sec)
		if err != nil {
			return nil, err
		}
		for k, ptr := range ptrs {
			out[sec.Addr+uint64(k)*f.pointerSize()] = ptr
		}
	}
	return out, nil
}

// GetCFStrings parses the __cfstring literal records.
func (f *File) GetCFStrings() ([]objc.CFString, error) {
	if !f.Is64bit() {
		return nil, errObjC32
	}
	var out []objc.CFString
	for _, sec := range f.Sections {
		if sec.Name != "__cfstring" {
			continue
		}
		dat, err := sec.Data()
		if err != nil {
			return nil, err
		}
		recSize := binary.Size(objc.CFString64T{})
		records := make([]objc.CFString64T, sec.Size/uint64(recSize))
		if err := binary.Read(bytes.NewReader(dat), f.ByteOrder, &records); err != nil {
			return nil, fmt.Errorf("failed to read cfstring records: %v", err)
		}
		for k, rec := range records {
			cf := objc.CFString{Address: sec.Addr + uint64(k)*uint64(recSize), CFString64T: rec}
			if rec.CStrVMAddr > 0 {
				cf.Name, err = f.GetCString(rec.CStrVMAddr)
				if err != nil {
					return nil, fmt.Errorf("failed to read cfstring backing string: %v", err)
				}
			}
			out = append(out, cf)
		}
	}
	return out, nil
}

// bindNameAt reports the dyld bind entry covering a virtual address,
// if any. The bind map is built on first use.
func (f *File) bindNameAt(vmaddr uint64) (string, bool) {
	if f.bindsByAddr == nil {
		f.bindsByAddr = make(map[uint64]string)
		if binds, err := f.DyldBinds(); err == nil {
			for _, b := range binds {
				f.bindsByAddr[b.Address] = b.Name
			}
		}
	}
	name, ok := f.bindsByAddr[vmaddr]
	return name, ok
}
