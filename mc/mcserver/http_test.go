package mcserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/meridian-engine/meridian/mc/mccodec/mcjson"
	"github.com/meridian-engine/meridian/mc/mcconsensus"
	"github.com/meridian-engine/meridian/mc/mcconsensus/mcconsensustest"
	"github.com/meridian-engine/meridian/mc/mcserver"
	"github.com/meridian-engine/meridian/mc/mcstore"
	"github.com/meridian-engine/meridian/mc/mcstore/mcmemstore"
)

func newTestServer(t *testing.T, ledger *mcmemstore.ReceiptLedger) (baseURL string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fx := mcconsensustest.NewFixture(4)
	srv := mcserver.NewHTTPServer(ctx, slogt.New(t), mcserver.HTTPServerConfig{
		Listener: ln,

		Ledger: ledger,
		ValSet: fx.ValSet(),

		Codec: mcjson.MarshalCodec{CryptoRegistry: &fx.Registry},
	})

	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})

	return "http://" + ln.Addr().String()
}

func seedLedger(t *testing.T, ctx context.Context, ledger *mcmemstore.ReceiptLedger, n int) {
	t.Helper()

	var prev mcconsensus.Digest
	for i := 0; i < n; i++ {
		r := mcstore.Receipt{
			Round: uint64(i + 1),
			View:  0,

			Path: mcconsensus.PathFast,

			DecidedDigest: mcconsensus.Blake2bHashScheme{}.ValueDigest(
				uint64(i+1), []byte(fmt.Sprintf("value-%d", i+1)),
			),
			PrevDigest: prev,
		}
		require.NoError(t, ledger.Append(ctx, r))
		prev = mcstore.ChainDigest(r)
	}
}

func TestHTTPServer_Receipts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := mcmemstore.NewReceiptLedger()
	seedLedger(t, ctx, ledger, 3)

	base := newTestServer(t, ledger)

	resp, err := http.Get(base + "/receipts")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []struct {
		Round uint64 `json:"round"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 3)
	require.Equal(t, uint64(1), got[0].Round)
	require.Equal(t, uint64(3), got[2].Round)
}

func TestHTTPServer_ReceiptForRound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := mcmemstore.NewReceiptLedger()
	seedLedger(t, ctx, ledger, 2)

	base := newTestServer(t, ledger)

	resp, err := http.Get(base + "/receipts/2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Round uint64 `json:"round"`
		Path  uint8  `json:"path"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, uint64(2), got.Round)

	missing, err := http.Get(base + "/receipts/99")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)

	malformed, err := http.Get(base + "/receipts/notanumber")
	require.NoError(t, err)
	defer malformed.Body.Close()
	require.Equal(t, http.StatusBadRequest, malformed.StatusCode)
}

func TestHTTPServer_ChainVerify(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ledger := mcmemstore.NewReceiptLedger()
	seedLedger(t, ctx, ledger, 2)

	base := newTestServer(t, ledger)

	resp, err := http.Get(base + "/chain/verify")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var got struct {
		Intact      bool `json:"intact"`
		BrokenIndex int  `json:"broken_index"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.True(t, got.Intact)
	require.Equal(t, -1, got.BrokenIndex)
}

func TestHTTPServer_Validators(t *testing.T) {
	t.Parallel()

	ledger := mcmemstore.NewReceiptLedger()
	base := newTestServer(t, ledger)

	resp, err := http.Get(base + "/validators")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []struct {
		PubKey []byte `json:"pub_key"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 4)
	require.NotEmpty(t, got[0].PubKey)
}
