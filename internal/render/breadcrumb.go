package render

// Fallback trail for pages outside any folder.
var (
	fallbackNames = []string{"Home", "Stays"}
	fallbackPaths = []string{"/", "/stays"}
)

// BuildBreadcrumb derives the trail for req. Pages in a folder get
// Home, the folder's ancestors and the page title; other pages use the
// caller-supplied trail from the document or the Home/Stays fallback. The
// last entry never links.
func BuildBreadcrumb(req Request) Breadcrumb {
	title := pageTitle(req)
	if id, ok := breadcrumbFolder(req); ok {
		chain := Ancestors(req.Folders, id)
		b := Breadcrumb{
			Names: make([]string, 0, len(chain)+2),
			Paths: make([]string, 0, len(chain)+2),
		}
		b.Names = append(b.Names, "Home")
		b.Paths = append(b.Paths, "/")
		path := ""
		for _, f := range chain {
			path += "/" + f.Slug
			b.Names = append(b.Names, f.Name)
			b.Paths = append(b.Paths, path)
		}
		b.Names = append(b.Names, title)
		b.Paths = append(b.Paths, "")
		return b
	}

	if len(req.Data.Breadcrumb) > 0 {
		n := len(req.Data.Breadcrumb)
		b := Breadcrumb{
			Names: append([]string(nil), req.Data.Breadcrumb...),
			Paths: make([]string, n),
		}
		copy(b.Paths, req.Data.BreadcrumbPaths)
		if b.Paths[0] == "" {
			b.Paths[0] = "/"
		}
		b.Paths[n-1] = ""
		return b
	}

	return Breadcrumb{
		Names: append(append([]string(nil), fallbackNames...), title),
		Paths: append(append([]string(nil), fallbackPaths...), ""),
	}
}

func breadcrumbFolder(req Request) (uint, bool) {
	if req.Page.PrimaryFolderID != nil {
		if _, ok := req.Folders[*req.Page.PrimaryFolderID]; ok {
			return *req.Page.PrimaryFolderID, true
		}
	}
	for _, id := range req.Page.FolderIDs {
		if _, ok := req.Folders[id]; ok {
			return id, true
		}
	}
	return 0, false
}

// Ancestors returns the folder chain root..id. The walk is bounded by the
// tree size so a corrupt parent loop terminates.
func Ancestors(tree map[uint]Folder, id uint) []Folder {
	var chain []Folder
	current, ok := tree[id]
	for steps := 0; ok && steps <= len(tree); steps++ {
		chain = append(chain, current)
		if current.ParentID == nil {
			break
		}
		current, ok = tree[*current.ParentID]
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}
