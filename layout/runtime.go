package layout

// runtimeStructs lays out the runtime-private structures the catalog walks.
// The field lists mirror the runtime's own headers for the builds the
// offsets were observed on; only member order and storage class matter.
func runtimeStructs(ptrSize int) Structs {
	dexHeader := NewStruct(ptrSize, "DexHeader",
		U1Array("magic", 8),
		U4("checksum"),
		U1Array("signature", 20),
		U4("fileSize"),
		U4("headerSize"),
		U4("endianTag"),
		U4("linkSize"),
		U4("linkOff"),
		U4("mapOff"),
		U4("stringIdsSize"),
		U4("stringIdsOff"),
		U4("typeIdsSize"),
		U4("typeIdsOff"),
		U4("protoIdsSize"),
		U4("protoIdsOff"),
		U4("fieldIdsSize"),
		U4("fieldIdsOff"),
		U4("methodIdsSize"),
		U4("methodIdsOff"),
		U4("classDefsSize"),
		U4("classDefsOff"),
		U4("dataSize"),
		U4("dataOff"),
	)

	dexOptHeader := NewStruct(ptrSize, "DexOptHeader",
		U1Array("magic", 8),
		U4("dexOffset"),
		U4("dexLength"),
		U4("depsOffset"),
		U4("depsLength"),
		U4("optOffset"),
		U4("optLength"),
		U4("flags"),
		U4("checksum"),
	)

	memMapping := NewStruct(ptrSize, "MemMapping",
		Ptr("addr"),
		Long("length"),
		Ptr("baseAddr"),
		Long("baseLength"),
	)

	zipArchive := NewStruct(ptrSize, "ZipArchive",
		U4("mFd"),
		Long("mDirectoryOffset"),
		Embed("mDirectoryMap", memMapping),
		U4("mNumEntries"),
		U4("mHashTableSize"),
		Ptr("mHashTable"),
	)

	rawDexFile := NewStruct(ptrSize, "RawDexFile",
		Ptr("cacheFileName"),
		Ptr("pDvmDex"),
	)

	jarFile := NewStruct(ptrSize, "JarFile",
		Embed("archive", zipArchive),
		Ptr("cacheFileName"),
		Ptr("pDvmDex"),
	)

	dexOrJar := NewStruct(ptrSize, "DexOrJar",
		Ptr("fileName"),
		Bool("isDex"),
		Bool("okayToFree"),
		Ptr("pRawDexFile"),
		Ptr("pJarFile"),
		Ptr("pDexMemory"),
	)

	dvmDexHead := []Field{
		Ptr("pDexFile"),
		Ptr("pHeader"),
		Ptr("pResStrings"),
		Ptr("pResClasses"),
		Ptr("pResMethods"),
		Ptr("pResFields"),
		Ptr("pInterfaceCache"),
	}
	dvmDex := NewStruct(ptrSize, "DvmDex",
		append(append([]Field{}, dvmDexHead...),
			Bool("isMappedReadOnly"),
			Embed("memMap", memMapping),
		)...,
	)
	dvmDexLegacy := NewStruct(ptrSize, "DvmDex",
		append(append([]Field{}, dvmDexHead...),
			Embed("memMap", memMapping),
		)...,
	)

	dexFile := NewStruct(ptrSize, "DexFile",
		Ptr("pOptHeader"),
		Ptr("pHeader"),
		Ptr("pStringIds"),
		Ptr("pTypeIds"),
		Ptr("pFieldIds"),
		Ptr("pMethodIds"),
		Ptr("pProtoIds"),
		Ptr("pClassDefs"),
		Ptr("pLinkData"),
		Ptr("pClassLookup"),
		Ptr("pRegisterMapPool"),
		Ptr("baseAddr"),
		U4("overhead"),
	)

	classObject := NewStruct(ptrSize, "ClassObject",
		U4Array("header", 2),
		U4Array("instanceData", 4),
		Ptr("descriptor"),
		Ptr("descriptorAlloc"),
		U4("accessFlags"),
		U4("serialNumber"),
		Ptr("pDvmDex"),
	)

	artDexFile := NewStruct(ptrSize, "art::DexFile",
		Ptr("begin_"),
		Long("size_"),
	)
	artDexFileVirtual := NewStruct(ptrSize, "art::DexFile",
		Ptr("vtable"),
		Ptr("begin_"),
		Long("size_"),
	)

	inlineOperation := NewStruct(ptrSize, "InlineOperation",
		Ptr("func"),
		Ptr("classDescriptor"),
		Ptr("methodName"),
		Ptr("methodSignature"),
	)

	return Structs{
		DexHeader:         dexHeader,
		DexOptHeader:      dexOptHeader,
		MemMapping:        memMapping,
		ZipArchive:        zipArchive,
		RawDexFile:        rawDexFile,
		JarFile:           jarFile,
		DexOrJar:          dexOrJar,
		DvmDex:            dvmDex,
		DvmDexLegacy:      dvmDexLegacy,
		DexFile:           dexFile,
		ClassObject:       classObject,
		ArtDexFile:        artDexFile,
		ArtDexFileVirtual: artDexFileVirtual,
		InlineOperation:   inlineOperation,
	}
}
