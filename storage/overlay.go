package storage

// Overlay stages writes on top of a Database. Reads observe staged values
// first. Nothing reaches the underlying store until Commit, and Discard drops
// every staged write.
type Overlay struct {
	base    Database
	pending map[string][]byte
	deleted map[string]struct{}
	order   []string
}

func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, ok := o.deleted[k]; ok {
		return nil, ErrNotFound
	}
	if value, ok := o.pending[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Has(key []byte) (bool, error) {
	k := string(key)
	if _, ok := o.deleted[k]; ok {
		return false, nil
	}
	if _, ok := o.pending[k]; ok {
		return true, nil
	}
	return o.base.Has(key)
}

func (o *Overlay) Put(key []byte, value []byte) {
	k := string(key)
	delete(o.deleted, k)
	if _, seen := o.pending[k]; !seen {
		o.order = append(o.order, k)
	}
	o.pending[k] = append([]byte(nil), value...)
}

func (o *Overlay) Delete(key []byte) {
	k := string(key)
	if _, seen := o.pending[k]; seen {
		delete(o.pending, k)
	} else {
		o.order = append(o.order, k)
	}
	o.deleted[k] = struct{}{}
}

// Dirty reports whether any write has been staged.
func (o *Overlay) Dirty() bool { return len(o.pending)+len(o.deleted) > 0 }

// Commit flushes staged writes through one batch and clears the overlay.
func (o *Overlay) Commit() error {
	if !o.Dirty() {
		return nil
	}
	batch := o.base.NewBatch()
	for _, k := range o.order {
		if _, ok := o.deleted[k]; ok {
			batch.Delete([]byte(k))
			continue
		}
		if value, ok := o.pending[k]; ok {
			batch.Put([]byte(k), value)
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}
	o.Discard()
	return nil
}

func (o *Overlay) Discard() {
	o.pending = make(map[string][]byte)
	o.deleted = make(map[string]struct{})
	o.order = nil
}

// Scratch is a Database layered over base whose writes never reach base.
// Dry runs execute against it and drop it afterwards.
type Scratch struct {
	base  Database
	local *MemDB
	gone  map[string]struct{}
}

func NewScratch(base Database) *Scratch {
	return &Scratch{base: base, local: NewMemDB(), gone: make(map[string]struct{})}
}

func (s *Scratch) Get(key []byte) ([]byte, error) {
	if _, ok := s.gone[string(key)]; ok {
		return nil, ErrNotFound
	}
	if ok, _ := s.local.Has(key); ok {
		return s.local.Get(key)
	}
	return s.base.Get(key)
}

func (s *Scratch) Has(key []byte) (bool, error) {
	if _, ok := s.gone[string(key)]; ok {
		return false, nil
	}
	if ok, _ := s.local.Has(key); ok {
		return true, nil
	}
	return s.base.Has(key)
}

func (s *Scratch) Put(key []byte, value []byte) error {
	delete(s.gone, string(key))
	return s.local.Put(key, value)
}

func (s *Scratch) Delete(key []byte) error {
	s.gone[string(key)] = struct{}{}
	return s.local.Delete(key)
}

func (s *Scratch) NewBatch() Batch { return &scratchBatch{scratch: s} }

func (s *Scratch) Close() {}

type scratchBatch struct {
	scratch *Scratch
	ops     []memOp
}

func (b *scratchBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{key: string(key), value: append([]byte(nil), value...)})
}

func (b *scratchBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{key: string(key), delete: true})
}

func (b *scratchBatch) Len() int { return len(b.ops) }

func (b *scratchBatch) Write() error {
	for _, op := range b.ops {
		if op.delete {
			_ = b.scratch.Delete([]byte(op.key))
			continue
		}
		_ = b.scratch.Put([]byte(op.key), op.value)
	}
	return nil
}

func (b *scratchBatch) Reset() { b.ops = b.ops[:0] }
