// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability provê a API HTTP de observabilidade do
// nupload-server: saúde, métricas, progresso de sessões, eventos e
// histórico.
package observability

import (
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
)

// ACL libera a API apenas para as redes de web_ui.allow_origins. Lista
// vazia nega tudo.
type ACL struct {
	prefixes []netip.Prefix
	denied   atomic.Int64
}

// NewACL converte os CIDRs já validados pela config.
func NewACL(cidrs []*net.IPNet) *ACL {
	acl := &ACL{}
	for _, n := range cidrs {
		addr, ok := netip.AddrFromSlice(n.IP)
		if !ok {
			continue
		}
		ones, _ := n.Mask.Size()
		if addr.Is4In6() && ones >= 96 {
			addr, ones = addr.Unmap(), ones-96
		}
		acl.prefixes = append(acl.prefixes, netip.PrefixFrom(addr.Unmap(), ones).Masked())
	}
	return acl
}

// Middleware recusa com 403 quem está fora da ACL.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			a.denied.Add(1)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed aceita "host:port" ou só o IP. Endereços IPv4 mapeados em IPv6
// (::ffff:a.b.c.d) casam com os CIDRs IPv4.
func (a *ACL) Allowed(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Denied retorna quantas requisições foram recusadas.
func (a *ACL) Denied() int64 {
	return a.denied.Load()
}
