package honeypot

import (
	"crypto/md5"
	"fmt"

	"github.com/xela07ax/honeyshield/internal/domain"
)

type Variant = domain.DecoyVariant

var banners = map[domain.HoneypotType][]string{
	domain.HoneypotWeb:         {"nginx/1.18.0 (Ubuntu)", "Apache/2.4.41 (Ubuntu)", "Microsoft-IIS/10.0"},
	domain.HoneypotDatabase:    {"MySQL 5.7.38", "PostgreSQL 12.11", "MongoDB 4.4.15"},
	domain.HoneypotFileServer:  {"vsftpd 3.0.3", "Samba 4.11.6", "AmazonS3"},
	domain.HoneypotAPIEndpoint: {"Express 4.17.1", "Werkzeug/2.0.3 Python/3.8", "Apache-Coyote/1.1"},
}

var ports = map[domain.HoneypotType][]int{
	domain.HoneypotWeb:         {80, 8080, 443},
	domain.HoneypotDatabase:    {3306, 5432, 27017},
	domain.HoneypotFileServer:  {21, 445, 443},
	domain.HoneypotAPIEndpoint: {8000, 3000, 5000},
}

// Fingerprint — стабильный отпечаток варианта.
func Fingerprint(t domain.HoneypotType, v Variant) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%s|%d|%d", t, v.Banner, v.Port, v.Generation)))
	return fmt.Sprintf("%x", sum[:8])
}

// nextVariant перебирает варианты в фиксированном порядке и возвращает первый,
// чей отпечаток не занят.
func nextVariant(t domain.HoneypotType, used map[string]struct{}) (Variant, string) {
	bs := banners[t]
	ps := ports[t]
	if len(bs) == 0 {
		bs = []string{string(t)}
	}
	if len(ps) == 0 {
		ps = []int{0}
	}
	for gen := 0; ; gen++ {
		for _, b := range bs {
			for _, p := range ps {
				v := Variant{Banner: b, Port: p, Generation: gen}
				fp := Fingerprint(t, v)
				if _, taken := used[fp]; !taken {
					return v, fp
				}
			}
		}
	}
}
