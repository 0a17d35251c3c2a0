// Package document maps authoritative records onto flattened, type-tagged
// search documents.
//
// Every entity kind has a fixed field-extraction policy (see [Fields] and
// [FieldSpecs]). Extraction is deterministic: the same record always yields
// the same document, and empty optional values are omitted rather than
// stored as blanks.
//
//	doc, err := document.ToDocument(&document.Project{
//	    UUID: "6f1c...", Name: "Acme Example", Version: "1.0.0",
//	}, document.KindProject)
//
// The package also owns text analysis ([Tokenize]) so that indexing and
// query parsing split text identically.
package document
