package command

import (
	"os"

	"github.com/brandur/newsletter/ptemplate"
)

var renderer *ptemplate.Renderer

func init() {
	var err error
	renderer, err = ptemplate.NewRenderer(&ptemplate.RendererConfig{
		DynamicReload:  true,
		NewsletterName: "Test Newsletter",
		PublicURL:      "https://newsletter.example.com",
		Templates:      os.DirFS(".."),
	})
	if err != nil {
		panic(err)
	}
}
