package discovery

// defaultWordlist holds the subdomain labels probed when a task does not
// supply its own list. Ordered roughly by how often each label appears in
// the wild so a low WordlistLimit still covers the common cases.
var defaultWordlist = []string{
	"www", "mail", "api", "dev", "staging", "app", "admin", "blog",
	"shop", "cdn", "static", "assets", "img", "m", "mobile", "test",
	"beta", "portal", "support", "help", "docs", "status", "vpn",
	"webmail", "smtp", "imap", "pop", "ftp", "ns1", "ns2", "mx",
	"git", "ci", "jenkins", "grafana", "kibana", "dashboard", "auth",
	"login", "sso", "id", "accounts", "secure", "pay", "checkout",
	"store", "news", "media", "video", "download",
}
