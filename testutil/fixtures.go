/*
	Repository fixtures for tests: tiny histories built object-by-object
	into an in-memory go-git storage, so backend and end-to-end tests can
	run against real object graphs without touching disk.
*/
package testutil

import (
	"fmt"
	"time"

	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/filemode"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/storage/memory"
)

var fixtureSig = object.Signature{
	Name:  "Test Fixture",
	Email: "fixture@example.net",
	When:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
}

// WriteBlob stores a blob and returns its hash.
func WriteBlob(store *memory.Storage, content string) plumbing.Hash {
	obj := store.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		panic(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	hash, err := store.SetEncodedObject(obj)
	if err != nil {
		panic(err)
	}
	return hash
}

// WriteTree stores a single-level tree mapping names to blob hashes.
func WriteTree(store *memory.Storage, entries map[string]plumbing.Hash) plumbing.Hash {
	tree := object.Tree{}
	for name, hash := range entries {
		tree.Entries = append(tree.Entries, object.TreeEntry{
			Name: name,
			Mode: filemode.Regular,
			Hash: hash,
		})
	}
	obj := store.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		panic(err)
	}
	hash, err := store.SetEncodedObject(obj)
	if err != nil {
		panic(err)
	}
	return hash
}

// WriteCommit stores a commit over the given tree with the given parents.
func WriteCommit(store *memory.Storage, treeHash plumbing.Hash, message string, parents ...plumbing.Hash) plumbing.Hash {
	commit := object.Commit{
		Author:       fixtureSig,
		Committer:    fixtureSig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := store.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		panic(err)
	}
	hash, err := store.SetEncodedObject(obj)
	if err != nil {
		panic(err)
	}
	return hash
}

/*
	MakeLinearRepo builds a repository with `n` commits on refs/heads/master,
	each commit adding one distinct file, and returns the storage plus the
	commit hashes oldest-first.
*/
func MakeLinearRepo(n int) (*memory.Storage, []plumbing.Hash) {
	store := memory.NewStorage()
	var commits []plumbing.Hash
	var parent []plumbing.Hash
	for i := 0; i < n; i++ {
		blob := WriteBlob(store, fmt.Sprintf("content %d\n", i))
		tree := WriteTree(store, map[string]plumbing.Hash{
			fmt.Sprintf("file-%d.txt", i): blob,
		})
		commit := WriteCommit(store, tree, fmt.Sprintf("commit %d\n", i), parent...)
		commits = append(commits, commit)
		parent = []plumbing.Hash{commit}
	}
	if n > 0 {
		head := plumbing.NewHashReference("refs/heads/master", commits[n-1])
		if err := store.SetReference(head); err != nil {
			panic(err)
		}
	}
	return store, commits
}
