package app

import "errors"

var (
	// ErrBookExists indicates the (author, slug) pair is already registered.
	ErrBookExists = errors.New("book already exists")
	// ErrBookNotFound indicates the referenced book is not in the catalog.
	ErrBookNotFound = errors.New("book not found")
	// ErrNotRemixable indicates a branch was requested off a book whose
	// author did not allow derivatives.
	ErrNotRemixable = errors.New("parent book is not remixable")
	// ErrInheritedChapter indicates a publish attempt for a chapter a
	// derivative book inherits from its parent.
	ErrInheritedChapter = errors.New("chapter is inherited from the parent book")
)
