// Copyright 2026 Grist Labs, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package homedb is a small persistent directory of the users known to a
// document host. The access engine consults it to resolve impersonation
// requests ("view as user X") to full user records.
package homedb

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/boltdb/bolt"
	"gopkg.in/src-d/go-errors.v1"

	"github.com/gristlabs/go-granular-access/doc"
)

const (
	usersBucket  = "users"
	emailsBucket = "emails"
)

var (
	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = errors.NewKind("user not found: %v")
	// ErrDuplicateEmail is returned when adding a user whose email already
	// belongs to another user.
	ErrDuplicateEmail = errors.NewKind("duplicate user email: %s")
)

// Directory is a bolt-backed user directory. Emails are matched without
// regard to case.
type Directory struct {
	mu sync.RWMutex
	db *bolt.DB
}

// Open opens or creates a directory file.
func Open(path string) (*Directory, error) {
	db, err := bolt.Open(path, 0640, nil)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(usersBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(emailsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Directory{db: db}, nil
}

// OpenWithSeed opens a directory and loads users from a JSON file holding an
// array of user records. Users already present, matched by email, are left
// untouched.
func OpenWithSeed(path, seedFile string) (*Directory, error) {
	dir, err := Open(path)
	if err != nil {
		return nil, err
	}

	raw, err := ioutil.ReadFile(seedFile)
	if err != nil {
		_ = dir.Close()
		return nil, err
	}

	var users []doc.FullUser
	if err := json.Unmarshal(raw, &users); err != nil {
		_ = dir.Close()
		return nil, err
	}

	for _, u := range users {
		if _, err := dir.UserByEmail(u.Email); err == nil {
			continue
		} else if !ErrUserNotFound.Is(err) {
			_ = dir.Close()
			return nil, err
		}
		if _, err := dir.AddUser(u); err != nil {
			_ = dir.Close()
			return nil, err
		}
	}

	return dir, nil
}

// Close releases the underlying database file.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// AddUser stores one user and returns its id. A zero id gets the next free
// one assigned.
func (d *Directory) AddUser(user doc.FullUser) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.db.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket([]byte(usersBucket))
		emails := tx.Bucket([]byte(emailsBucket))

		if user.ID == 0 {
			seq, err := users.NextSequence()
			if err != nil {
				return err
			}
			user.ID = int64(seq)
		}

		emailKey := []byte(normalizeEmail(user.Email))
		if prev := emails.Get(emailKey); prev != nil && decodeID(prev) != user.ID {
			return ErrDuplicateEmail.New(user.Email)
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(user); err != nil {
			return err
		}
		if err := users.Put(encodeID(user.ID), buf.Bytes()); err != nil {
			return err
		}
		return emails.Put(emailKey, encodeID(user.ID))
	})
	if err != nil {
		return 0, err
	}
	return user.ID, nil
}

// UserByID returns the user with the given id, or ErrUserNotFound.
func (d *Directory) UserByID(id int64) (*doc.FullUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var user *doc.FullUser
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(usersBucket)).Get(encodeID(id))
		if raw == nil {
			return ErrUserNotFound.New(id)
		}
		var err error
		user, err = decodeUser(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UserByEmail returns the user with the given email, matched without regard
// to case, or ErrUserNotFound.
func (d *Directory) UserByEmail(email string) (*doc.FullUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var user *doc.FullUser
	err := d.db.View(func(tx *bolt.Tx) error {
		idKey := tx.Bucket([]byte(emailsBucket)).Get([]byte(normalizeEmail(email)))
		if idKey == nil {
			return ErrUserNotFound.New(email)
		}
		raw := tx.Bucket([]byte(usersBucket)).Get(idKey)
		if raw == nil {
			return ErrUserNotFound.New(email)
		}
		var err error
		user, err = decodeUser(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// AllUsers returns every user in the directory, ordered by id.
func (d *Directory) AllUsers() ([]doc.FullUser, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var users []doc.FullUser
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(usersBucket)).ForEach(func(k, v []byte) error {
			user, err := decodeUser(v)
			if err != nil {
				return err
			}
			users = append(users, *user)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func decodeUser(raw []byte) (*doc.FullUser, error) {
	var user doc.FullUser
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

func encodeID(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}

func decodeID(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
