// Package directory implements the Subscription Directory (spec §4.2): the
// map between channel id and the flash page holding that channel's
// ChannelSubscription.
package directory

import (
	satdecerrors "github.com/soltara/satdec/internal/errors"
	"github.com/soltara/satdec/internal/satdec/flash"
	"github.com/soltara/satdec/internal/satdec/wire"
)

const (
	// Magic tags an occupied subscription page.
	Magic uint32 = 0x0000ABCD

	// MaxSubs is the number of contiguous subscription pages.
	MaxSubs = 8

	// BaseAddress is the start of the persistent subscription region.
	BaseAddress uint32 = 0x1006_2000

	// PageSize is the erase granularity each subscription page occupies.
	PageSize uint32 = 0x2000
)

// Directory maps channel id to flash page address over a fixed MaxSubs-page
// region starting at BaseAddress.
type Directory struct {
	store *flash.Store
}

// New wraps store as a Directory. store's device must expose at least
// MaxSubs pages of PageSize bytes starting at BaseAddress.
func New(store *flash.Store) *Directory {
	return &Directory{store: store}
}

// pageAddr returns the address of the idx'th subscription page.
func pageAddr(idx int) uint32 {
	return BaseAddress + uint32(idx)*PageSize
}

// Page pairs a page's address with the ChannelInfo read from it, or nil if
// the page is unoccupied.
type Page struct {
	Addr uint32
	Info *wire.ChannelInfo
}

// Pages walks the MaxSubs pages in index order, stopping at the first
// unoccupied page. When includeFirstEmpty is set, that first unoccupied
// page is yielded once (with Info == nil) before iteration stops; the
// left-packed invariant (spec §3) guarantees every later page is also
// unoccupied, so there is no need to keep scanning.
func (d *Directory) Pages(includeFirstEmpty bool) ([]Page, error) {
	var pages []Page
	for i := 0; i < MaxSubs; i++ {
		addr := pageAddr(i)
		magic, err := d.store.ReadMagic(addr)
		if err != nil {
			return pages, satdecerrors.NewDirectoryError("pages", satdecerrors.KindFlash, err)
		}
		if magic != Magic {
			if includeFirstEmpty {
				pages = append(pages, Page{Addr: addr})
			}
			return pages, nil
		}
		var sub wire.ChannelSubscription
		if err := readSubscription(d.store, addr, &sub); err != nil {
			return pages, err
		}
		info := sub.Info
		pages = append(pages, Page{Addr: addr, Info: &info})
	}
	return pages, nil
}

// Find returns the page address holding channelID's subscription, or ok ==
// false if no page matches.
func (d *Directory) Find(channelID uint32) (addr uint32, ok bool, err error) {
	pages, err := d.Pages(false)
	if err != nil {
		return 0, false, err
	}
	for _, p := range pages {
		if p.Info != nil && p.Info.ChannelID == channelID {
			return p.Addr, true, nil
		}
	}
	return 0, false, nil
}

// Read reads the full ChannelSubscription stored at addr.
func (d *Directory) Read(addr uint32) (wire.ChannelSubscription, error) {
	var sub wire.ChannelSubscription
	if err := readSubscription(d.store, addr, &sub); err != nil {
		return wire.ChannelSubscription{}, err
	}
	return sub, nil
}

// Upsert writes sub to the page already holding sub.Info.ChannelID if one
// exists, else the first unoccupied page. Returns NoPage if the directory
// is full of distinct channels.
func (d *Directory) Upsert(sub wire.ChannelSubscription) error {
	pages, err := d.Pages(true)
	if err != nil {
		return err
	}

	var target uint32
	found := false
	for _, p := range pages {
		if p.Info == nil || p.Info.ChannelID == sub.Info.ChannelID {
			target = p.Addr
			found = true
			break
		}
	}
	if !found {
		return satdecerrors.NewDirectoryError("upsert", satdecerrors.KindNoPage, nil)
	}

	if err := d.store.ErasePage(target); err != nil {
		return satdecerrors.NewDirectoryError("upsert", satdecerrors.KindFlash, err)
	}
	if err := d.store.WriteTagged(target, Magic, sub.Encode(nil)); err != nil {
		return satdecerrors.NewDirectoryError("upsert", satdecerrors.KindFlash, err)
	}
	return nil
}

// List enumerates the ChannelInfo of every occupied page, in page order.
// Channel 0 never occupies a page and so never appears here (spec §3).
func (d *Directory) List() ([]wire.ChannelInfo, error) {
	pages, err := d.Pages(false)
	if err != nil {
		return nil, err
	}
	infos := make([]wire.ChannelInfo, 0, len(pages))
	for _, p := range pages {
		if p.Info != nil {
			infos = append(infos, *p.Info)
		}
	}
	return infos, nil
}

func readSubscription(store *flash.Store, addr uint32, sub *wire.ChannelSubscription) error {
	buf := make([]byte, wire.ChannelSubscriptionSize)
	if err := store.ReadTagged(addr, Magic, buf); err != nil {
		return satdecerrors.NewDirectoryError("read", satdecerrors.KindFlash, err)
	}
	decoded, err := wire.DecodeChannelSubscription(buf)
	if err != nil {
		return satdecerrors.NewDirectoryError("read", satdecerrors.KindMalformed, err)
	}
	*sub = decoded
	return nil
}
